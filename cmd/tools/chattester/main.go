package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/localchat/backend/internal/config"
	"github.com/zhouzirui/localchat/backend/internal/events"
	"github.com/zhouzirui/localchat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/localchat/backend/internal/service/chat"
	"github.com/zhouzirui/localchat/backend/internal/service/provider"
	"github.com/zhouzirui/localchat/backend/internal/service/provider/ark"
	"github.com/zhouzirui/localchat/backend/internal/service/provider/openai"
	"github.com/zhouzirui/localchat/backend/internal/service/turn"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	modelsFile := flag.String("models", cfg.Chat.ModelsFile, "模型配置 YAML 文件，留空使用默认配置")
	modelID := flag.String("model", "", "模型配置 ID，默认使用第一个")
	text := flag.String("text", "", "发送的用户消息")
	cancelAfter := flag.Duration("cancel-after", 0, "收到首个片段后等待多久取消生成，0 表示不取消")
	timeout := flag.Duration("timeout", 2*time.Minute, "整体超时时间")

	flag.Parse()

	if *text == "" {
		flag.Usage()
		log.Fatal("请通过 -text 提供用户消息")
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.Level})))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store := chatService.NewMemoryStore()
	modelCfgs, err := config.LoadModelConfigs(*modelsFile)
	if err != nil {
		log.Fatalf("模型配置加载失败: %v", err)
	}
	if _, err := chatService.SeedModelConfigs(ctx, store, modelCfgs); err != nil {
		log.Fatalf("模型配置写入失败: %v", err)
	}

	selected := *modelID
	if selected == "" {
		selected = modelCfgs[0].ID
	}
	conv, err := store.CreateConversation(ctx, chat.Conversation{ModelConfigID: selected})
	if err != nil {
		log.Fatalf("创建会话失败: %v", err)
	}

	providers := provider.NewRegistry()
	providers.Register(chat.ProviderOpenAICompatible, openai.New(openai.Options{}))
	providers.Register(chat.ProviderArk, ark.New(ark.NewArkModel))

	printer := newPrinter()
	orchestrator := turn.New(turn.Options{
		Store:        store,
		Credentials:  config.NewCredentials(),
		Provider:     providers,
		Emitter:      events.EmitterFunc(printer.emit),
		HistoryLimit: cfg.Chat.HistoryLimit,
	})

	log.Printf("开始对话测试: model=%s conversation=%s", selected, conv.ID)
	if _, err := orchestrator.Send(ctx, conv.ID, *text); err != nil {
		log.Fatalf("发送失败: %v", err)
	}

	if *cancelAfter > 0 {
		go func() {
			select {
			case id := <-printer.started:
				time.Sleep(*cancelAfter)
				log.Printf("请求取消生成: message=%s marked=%v", id, orchestrator.Cancel(id))
			case <-ctx.Done():
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		orchestrator.Supervisor().Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[WARN] 超时，终止生成")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] 等待生成结束失败: %v", err)
		}
	}

	if printer.outcome() == "none" {
		log.Fatal("生成未开始，请检查上方的错误日志")
	}

	history, err := store.GetMessages(context.Background(), conv.ID)
	if err != nil {
		log.Fatalf("读取历史失败: %v", err)
	}
	log.Printf("对话结束: outcome=%s messages=%d", printer.outcome(), len(history))
}

// printer 把片段直接写到标准输出
type printer struct {
	started chan string

	mu   sync.Mutex
	last string
}

func newPrinter() *printer {
	return &printer{started: make(chan string, 1)}
}

func (p *printer) emit(_ context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeStreamStarted:
		select {
		case p.started <- ev.MessageID:
		default:
		}
	case events.TypeMessageChunk:
		fmt.Print(ev.Delta)
	case events.TypeStreamFinished:
		fmt.Println()
		p.mu.Lock()
		p.last = ev.Outcome
		p.mu.Unlock()
	}
	return nil
}

func (p *printer) outcome() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == "" {
		return "none"
	}
	return p.last
}
