package opentelemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

const instrumentationName = "github.com/dormoron/aegis"

// Config 定义OpenTelemetry的配置选项
type Config struct {
	// 服务名称
	ServiceName string
	// 服务版本
	ServiceVersion string
	// 环境名称
	Environment string
	// OTLP Endpoint
	Endpoint string
	// 采样率 (0.0-1.0)
	SamplingRatio float64
	// 导出器超时
	ExporterTimeout time.Duration
	// 附加资源属性
	ResourceAttributes map[string]string
	// gRPC连接选项，为空时使用不安全连接
	GRPCOptions []grpc.DialOption
	// 自定义导出器，主要用于测试
	Exporter sdktrace.SpanExporter
}

// DefaultConfig 返回OpenTelemetry的默认配置
func DefaultConfig() Config {
	return Config{
		ServiceName:     "aegis",
		ServiceVersion:  "0.1.0",
		Environment:     "development",
		Endpoint:        "localhost:4317",
		SamplingRatio:   1.0,
		ExporterTimeout: 10 * time.Second,
	}
}

// Provider 封装了OpenTelemetry的初始化和关闭逻辑
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
}

// NewProvider 创建并初始化一个新的OpenTelemetry Provider，并设置为全局Provider
func NewProvider(config Config) (*Provider, error) {
	if config.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	res := createResource(config)

	exporter := config.Exporter
	if exporter == nil {
		var err error
		exporter, err = createExporter(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
	}

	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(config.SamplingRatio),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		config:         config,
		tracerProvider: tp,
	}, nil
}

// createResource 创建OpenTelemetry资源配置
func createResource(config Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceVersionKey.String(config.ServiceVersion),
		attribute.String("environment", config.Environment),
		attribute.String("library.name", "aegis"),
	}

	for k, v := range config.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// createExporter 创建OTLP跟踪导出器
func createExporter(config Config) (sdktrace.SpanExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), config.ExporterTimeout)
	defer cancel()

	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithTimeout(config.ExporterTimeout),
	}

	if len(config.GRPCOptions) > 0 {
		options = append(options, otlptracegrpc.WithDialOption(config.GRPCOptions...))
	} else {
		options = append(options, otlptracegrpc.WithInsecure())
	}

	client := otlptracegrpc.NewClient(options...)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return exporter, nil
}

// Shutdown 关闭OpenTelemetry Provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}

// TracerProvider 返回OpenTelemetry的TracerProvider
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// Tracer 返回本库使用的Tracer
func (p *Provider) Tracer() trace.Tracer {
	return p.tracerProvider.Tracer(instrumentationName)
}

// Tracer 返回全局Provider上的Tracer，未初始化时为noop实现
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}
