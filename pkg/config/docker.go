package config

import (
	"os"
	"sync"
)

const defaultDockerGateway = "host.docker.internal"

var (
	dockerEnvPath = "/.dockerenv"

	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether the process runs inside a Docker container,
// detected by /.dockerenv. The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat(dockerEnvPath)
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker maps loopback database hosts to the Docker host gateway
// when running in a container, so a database on the developer machine stays
// reachable. DOCKER_HOST_GATEWAY overrides the gateway name.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, inDocker bool) string {
	if !inDocker {
		return host
	}

	switch host {
	case "localhost", "127.0.0.1", "::1":
		if gw := os.Getenv("DOCKER_HOST_GATEWAY"); gw != "" {
			return gw
		}
		return defaultDockerGateway
	}
	return host
}
