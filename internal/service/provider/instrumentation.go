package provider

import "go.opentelemetry.io/otel"

const scopeName = "github.com/zhouzirui/localchat/backend/internal/service/provider"

var tracer = otel.Tracer(scopeName)
