package turn

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/zhouzirui/localchat/backend/internal/service/turn"

var logger = otelslog.NewLogger(scopeName)
