package experiment

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DataPoint is one historical metric observation.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// History stores per-metric trend data in Redis sorted sets, keyed by
// experiment and metric with the observation timestamp as score.
type History struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewHistory connects to Redis and verifies the connection.
func NewHistory(url string) (*History, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &History{
		client: client,
		prefix: "trecbench:history:",
		ttl:    90 * 24 * time.Hour,
	}, nil
}

func (h *History) key(experimentID, metric string) string {
	return h.prefix + experimentID + ":" + metric
}

// Append records a metric observation, best-effort. Entries older
// than the retention window are pruned in the same pipeline.
func (h *History) Append(experimentID, metric string, value float64, ts time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := h.key(experimentID, metric)
	pipe := h.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ts.Unix()),
		Member: fmt.Sprintf("%d:%.6f", ts.Unix(), value),
	})
	minScore := time.Now().Add(-h.ttl).Unix()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", minScore))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending history point: %w", err)
	}
	return nil
}

// Points returns metric observations since the given time, oldest
// first.
func (h *History) Points(ctx context.Context, experimentID, metric string, since time.Time) ([]DataPoint, error) {
	results, err := h.client.ZRangeByScoreWithScores(ctx, h.key(experimentID, metric), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	points := make([]DataPoint, 0, len(results))
	for _, z := range results {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		// Member layout is "<unix>:<value>"; the timestamp part keeps
		// equal values from distinct runs distinct in the set.
		parts := strings.SplitN(member, ":", 2)
		if len(parts) != 2 {
			continue
		}
		value, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		points = append(points, DataPoint{
			Timestamp: time.Unix(int64(z.Score), 0),
			Value:     value,
		})
	}

	return points, nil
}

// Metrics returns the metric names recorded for an experiment.
func (h *History) Metrics(ctx context.Context, experimentID string) ([]string, error) {
	pattern := h.prefix + experimentID + ":*"
	keys, err := h.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("listing history metrics: %w", err)
	}

	names := make([]string, len(keys))
	cut := len(h.prefix + experimentID + ":")
	for i, key := range keys {
		names[i] = key[cut:]
	}
	return names, nil
}

// Close closes the Redis connection.
func (h *History) Close() error {
	return h.client.Close()
}
