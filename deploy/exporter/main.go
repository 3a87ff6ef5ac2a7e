// Command exporter publishes Docker container metadata as Prometheus gauges
// so fleet dashboards can resolve the orchestrator, broker and worker
// containers by compose service name.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var containerMeta = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "container_meta_info",
		Help: "Container metadata keyed by compose service.",
	},
	[]string{"id", "name", "image", "com_docker_compose_service", "state", "full_id"},
)

func collect(ctx context.Context, cli *client.Client) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		log.Printf("list containers: %v", err)
		return
	}

	// Rebuild the vector from scratch so containers that left don't linger.
	containerMeta.Reset()
	for _, c := range containers {
		shortID := c.ID
		if len(shortID) > 12 {
			shortID = shortID[:12]
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		service := c.Labels["com.docker.compose.service"]
		if service == "" {
			service = name
		}
		containerMeta.WithLabelValues(shortID, name, c.Image, service, c.State, c.ID).Set(1)
	}
}

func main() {
	addr := flag.String("addr", ":8000", "listen address for /metrics")
	interval := flag.Duration("interval", 15*time.Second, "poll interval for the Docker API")
	flag.Parse()

	prometheus.MustRegister(containerMeta)

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Fatalf("docker client: %v", err)
	}
	defer func() { _ = cli.Close() }()

	go func() {
		for {
			collect(context.Background(), cli)
			time.Sleep(*interval)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	log.Printf("container exporter listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}
