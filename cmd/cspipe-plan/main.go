package main

import (
	"flag"
	"fmt"
	"log"

	"cspipe/internal/core/capacity"
)

func main() {
	var (
		target   = flag.Float64("target-rps", 0, "sustained reports per second to plan for (required)")
		producer = flag.Float64("producer-rps", 10000, "publish ceiling of one collector, reports/s")
		consumer = flag.Float64("consumer-rps", 5000, "drain ceiling of one partition worker, reports/s")
		growth   = flag.Float64("growth", 1.5, "growth factor applied to the target (>=1)")
		worker   = flag.Float64("worker-rps", 4000, "per-worker processing ceiling, reports/s")
		headroom = flag.Float64("headroom", 1.5, "worker headroom factor (>=1)")
	)
	flag.Parse()

	if *target <= 0 {
		log.Fatal("-target-rps is required and must be > 0")
	}

	plan, err := capacity.Size(*target, *producer, *consumer, *growth, *worker, *headroom)
	if err != nil {
		log.Fatalf("sizing failed: %v", err)
	}

	fmt.Printf("target          %.0f reports/s (growth x%.2f)\n", plan.TargetRPS, *growth)
	fmt.Printf("partitions      %d\n", plan.Partitions)
	fmt.Printf("workers         %d\n", plan.Workers)
	fmt.Printf("\nexample env:\n")
	fmt.Printf("  SERVICE_NATS_PARTITIONS=%d\n", plan.Partitions)
	fmt.Printf("  CORE_INGEST_PARTITIONS=%d\n", plan.Partitions)
	fmt.Printf("  CORE_PIPELINE_PARTITIONS=0-%d\n", plan.Partitions-1)
}
