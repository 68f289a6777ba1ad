package logs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/snapload/internal/interfaces"
	"github.com/ternarybob/snapload/internal/models"
)

// Consumer reads log batches from arbor's context channel and forwards
// job-scoped events to the activity publisher
type Consumer struct {
	publisher     interfaces.ActivityPublisher
	logger        arbor.ILogger
	channel       chan []arbormodels.LogEvent
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	minEventLevel arbor.LogLevel
}

// NewConsumer creates a new log consumer
func NewConsumer(publisher interfaces.ActivityPublisher, logger arbor.ILogger, minEventLevel string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		publisher:     publisher,
		logger:        logger,
		channel:       make(chan []arbormodels.LogEvent, 10),
		ctx:           ctx,
		cancel:        cancel,
		minEventLevel: parseLogLevel(minEventLevel),
	}
}

func parseLogLevel(levelStr string) arbor.LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return arbor.DebugLevel
	case "info":
		return arbor.InfoLevel
	case "warn", "warning":
		return arbor.WarnLevel
	case "error":
		return arbor.ErrorLevel
	default:
		return arbor.InfoLevel
	}
}

// convertTo3Letter converts full level names to 3-letter codes
func convertTo3Letter(level string) string {
	switch strings.ToUpper(level) {
	case "INFO":
		return "INF"
	case "WARN", "WARNING":
		return "WRN"
	case "ERROR":
		return "ERR"
	case "DEBUG":
		return "DBG"
	default:
		if len(level) == 3 {
			return strings.ToUpper(level)
		}
		return "INF"
	}
}

// GetChannel returns the channel for arbor to send log batches to
func (c *Consumer) GetChannel() chan []arbormodels.LogEvent {
	return c.channel
}

// Start launches the consumer goroutine
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go c.consume()
	return nil
}

// Stop gracefully shuts down the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Log consumer stopped")
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			// No correlation id, so this never loops back into the channel
			c.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Log consumer panic recovered")
		}
	}()

	for {
		select {
		case batch, ok := <-c.channel:
			if !ok {
				return
			}
			c.dispatch(batch)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) dispatch(batch []arbormodels.LogEvent) {
	for _, event := range batch {
		// Request tracing shares the correlation channel but is not job activity
		if event.CorrelationID == "" ||
			strings.HasPrefix(event.Message, "HTTP request") ||
			strings.Contains(event.Message, "WebSocket client") {
			continue
		}
		if !c.shouldPublish(event.Level) {
			continue
		}
		c.publisher.Publish(transformEvent(event))
	}
}

func (c *Consumer) shouldPublish(level log.Level) bool {
	return arborlevels.FromLogLevel(level) >= c.minEventLevel
}

// transformEvent converts an arbor event into a job activity message.
// The "status" field is lifted out; job_id duplicates the correlation id.
func transformEvent(event arbormodels.LogEvent) models.JobActivity {
	activity := models.JobActivity{
		JobID:     event.CorrelationID,
		Level:     convertTo3Letter(event.Level.String()),
		Message:   event.Message,
		Timestamp: event.Timestamp.Format(time.RFC3339),
	}

	for key, value := range event.Fields {
		switch key {
		case "status":
			activity.Status = models.JobStatus(fmt.Sprintf("%v", value))
		case "job_id":
		default:
			if activity.Fields == nil {
				activity.Fields = make(map[string]string)
			}
			activity.Fields[key] = fmt.Sprintf("%v", value)
		}
	}
	return activity
}
