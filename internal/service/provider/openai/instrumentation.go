package openai

import "go.opentelemetry.io/otel"

const scopeName = "github.com/zhouzirui/localchat/backend/internal/service/provider/openai"

var tracer = otel.Tracer(scopeName)
