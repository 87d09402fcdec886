package http_test

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/control"
	httpserver "github.com/fyrsmithlabs/loopd/internal/http"
	"github.com/fyrsmithlabs/loopd/internal/operator"
)

// ExampleServer demonstrates how to create and start the operator API.
func ExampleServer() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	broker := operator.NewBroker(logger)
	controls := control.New(control.Autonomous)

	server, err := httpserver.NewServer(broker, controls, nil, logger, &httpserver.Config{
		Host: "localhost",
		Port: 19191,
	})
	if err != nil {
		panic(err)
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Debug("server stopped", zap.Error(err))
		}
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}
