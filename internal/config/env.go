package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type EnvConfig struct {
	AMQPConnString string
	NatsURL        string
	AWSRegion      string
	StatsQueueURL  string

	SidecarHost  string
	SidecarPorts []int
}

func ReadEnvConfig() (*EnvConfig, error) {
	// Missing .env is fine when the variables come from the environment.
	_ = godotenv.Load()

	result := &EnvConfig{}

	rmqHost := getenvDefault("RMQ_HOST", "localhost")
	rmqPort := getenvDefault("RMQ_PORT", "5672")
	rmqUser := getenvDefault("RMQ_USER", "guest")
	rmqPass := getenvDefault("RMQ_PASS", "guest")

	result.AMQPConnString = fmt.Sprintf(
		`amqp://%s:%s@%s:%s/`,
		rmqUser, rmqPass, rmqHost, rmqPort)

	result.NatsURL = getenvDefault("NATS_URL", "nats://localhost:4222")
	result.AWSRegion = getenvDefault("AWS_REGION", "eu-central-1")
	result.StatsQueueURL = os.Getenv("STATS_SQS_URL")

	result.SidecarHost = getenvDefault("SIDECAR_HOST", "127.0.0.1")

	ports, err := parsePorts(getenvDefault("SIDECAR_PORTS", "8081,8082"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse SIDECAR_PORTS: %w", err)
	}
	result.SidecarPorts = ports

	return result, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parsePorts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no sidecar ports configured")
	}
	return ports, nil
}
