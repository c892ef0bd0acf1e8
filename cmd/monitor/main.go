package main

import (
	"fmt"
	"log"
	"os"

	"github.com/levinOo/go-shard-monitor/internal/config"
	"github.com/levinOo/go-shard-monitor/internal/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	return service.Serve(cfg)
}
