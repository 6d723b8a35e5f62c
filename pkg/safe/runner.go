package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"cryptopay.com/pkg/logger"
	"go.uber.org/zap"
)

// Go 安全启动协程
func Go(fn func()) {
	go func() {
		defer recoverPanic(context.Background(), "")
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，便于在日志中保留链路信息
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverPanic(ctx, "")
		fn(ctx)
	}()
}

// Loop 按固定间隔执行 fn，直到 ctx 取消
// 单次 fn panic 只影响这一轮，循环继续
func Loop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer recoverPanic(ctx, name)
				fn(ctx)
			}()
		}
	}
}

func recoverPanic(ctx context.Context, name string) {
	r := recover()
	if r == nil {
		return
	}
	stack := string(debug.Stack())
	// logger 未初始化时是 Nop，兜底打印到标准输出
	if logger.Log != nil && logger.Log.Core().Enabled(zap.ErrorLevel) {
		logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
			zap.String("task", name),
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("🚨 GOROUTINE PANIC [%s]: %v\nStack: %s\n", name, r, stack)
}
