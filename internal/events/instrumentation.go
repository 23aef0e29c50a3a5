package events

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/zhouzirui/localchat/backend/internal/events"

var logger = otelslog.NewLogger(scopeName)
