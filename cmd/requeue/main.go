package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/apk-analysis/artguard/internal/config"
	"github.com/apk-analysis/artguard/internal/queue"
	"github.com/google/uuid"
)

// 把目录中的快照文件重新投递到扫描请求队列
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	dir := flag.String("dir", "", "snapshot directory (default: inbox dir)")
	pattern := flag.String("pattern", "*.json", "file pattern")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := config.InitLogger(&cfg.Log)

	if cfg.RabbitMQ.RequestQueue == "" {
		log.Fatal("rabbitmq.request_queue is not configured")
	}
	if *dir == "" {
		*dir = cfg.Inbox.Dir
	}

	files, err := filepath.Glob(filepath.Join(*dir, *pattern))
	if err != nil {
		log.Fatalf("Invalid pattern: %v", err)
	}
	fmt.Printf("找到 %d 个快照文件\n", len(files))
	if len(files) == 0 {
		return
	}

	mq, err := queue.NewRabbitMQ(&queue.Config{
		Host:     cfg.RabbitMQ.Host,
		Port:     cfg.RabbitMQ.Port,
		User:     cfg.RabbitMQ.User,
		Password: cfg.RabbitMQ.Password,
		VHost:    cfg.RabbitMQ.VHost,
	}, cfg.RabbitMQ.RequestQueue, 1, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	successCount := 0
	for i, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			abs = file
		}
		if info, err := os.Stat(abs); err != nil || info.Size() == 0 {
			log.Printf("❌ Skipping %s: empty or unreadable", file)
			continue
		}

		body, _ := json.Marshal(&queue.SnapshotMessage{Path: abs, RequestID: uuid.NewString()})
		if err := mq.Publish(context.Background(), body); err != nil {
			log.Printf("❌ Failed to publish %s: %v", file, err)
			continue
		}

		successCount++
		if (i+1)%100 == 0 {
			fmt.Printf("进度: %d/%d\n", i+1, len(files))
		}
	}

	fmt.Printf("\n✅ 成功重新入队 %d/%d 个快照\n", successCount, len(files))
}
