package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// heartbeatOKSentinel is the literal reply the heartbeat prompt asks the
// model to use when there is nothing to report — a bare poll with no
// side effects.
const heartbeatOKSentinel = "HEARTBEAT_OK"

// HeartbeatConfig heartbeat configuration
type HeartbeatConfig struct {
	FilePath string        // Path to HEARTBEAT.md
	Interval time.Duration // Check interval (default: 1h)
	ChatID   int64         // Target Telegram ChatID for proactive delivery
	Enabled  bool
}

// HeartbeatDeliverer delivers a heartbeat-produced message to its
// configured destination (e.g. a Telegram chat or the message bus).
type HeartbeatDeliverer func(ctx context.Context, chatID int64, text string) error

// HeartbeatService periodically polls the LLM with a heartbeat prompt built
// from HEARTBEAT.md. A bare "HEARTBEAT_OK" reply means nothing to do; any
// other reply is delivered as a proactive message.
type HeartbeatService struct {
	config  HeartbeatConfig
	llm     LLMClient
	model   string
	deliver HeartbeatDeliverer
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
}

// NewHeartbeatService creates a new heartbeat service.
func NewHeartbeatService(cfg HeartbeatConfig, llm LLMClient, model string, deliver HeartbeatDeliverer, logger *zap.Logger) *HeartbeatService {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.FilePath == "" {
		cfg.FilePath = "HEARTBEAT.md"
	}

	return &HeartbeatService{
		config:  cfg,
		llm:     llm,
		model:   model,
		deliver: deliver,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins the heartbeat loop
func (h *HeartbeatService) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.config.Enabled {
		h.logger.Info("Heartbeat service disabled")
		return nil
	}

	if h.running {
		return nil
	}

	h.running = true
	h.logger.Info("Starting heartbeat service",
		zap.String("file", h.config.FilePath),
		zap.Duration("interval", h.config.Interval),
		zap.Int64("chat_id", h.config.ChatID),
	)

	go h.loop()
	return nil
}

// Stop halts the heartbeat loop
func (h *HeartbeatService) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		h.cancel()
		h.running = false
		h.logger.Info("Heartbeat service stopped")
	}
}

// loop runs the periodic heartbeat check
func (h *HeartbeatService) loop() {
	h.tick()

	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick runs one heartbeat poll: build the prompt, ask the LLM, and deliver
// the reply unless it's the HEARTBEAT_OK sentinel (nothing to do).
func (h *HeartbeatService) tick() {
	if h.llm == nil {
		h.logger.Warn("Heartbeat LLM client not set, skipping")
		return
	}

	prompt := h.buildHeartbeatPrompt(time.Now())

	req := &LLMRequest{
		Model:       h.model,
		Temperature: 0.3,
		MaxTokens:   500,
		Messages: []LLMMessage{
			{Role: "system", Content: "You are a periodic heartbeat check for an autonomous assistant. Respond tersely."},
			{Role: "user", Content: prompt},
		},
	}

	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Minute)
	defer cancel()

	resp, err := h.llm.Generate(ctx, req)
	if err != nil {
		h.logger.Error("Heartbeat LLM turn failed", zap.Error(err))
		return
	}

	trimmed := strings.TrimSpace(resp.Content)
	if trimmed == "" || strings.EqualFold(trimmed, heartbeatOKSentinel) {
		h.logger.Debug("Heartbeat: nothing to do")
		return
	}

	if h.deliver == nil {
		h.logger.Warn("Heartbeat produced a message but no deliverer is configured",
			zap.Int("response_len", len(trimmed)),
		)
		return
	}

	if err := h.deliver(h.ctx, h.config.ChatID, trimmed); err != nil {
		h.logger.Error("Heartbeat delivery failed", zap.Error(err))
		return
	}

	h.logger.Info("Heartbeat message delivered",
		zap.Int64("chat_id", h.config.ChatID),
		zap.Int("response_len", len(trimmed)),
	)
}

// buildHeartbeatPrompt reads HEARTBEAT.md if present and wraps it with the
// HEARTBEAT_OK instruction; falls back to a default checklist prompt.
func (h *HeartbeatService) buildHeartbeatPrompt(now time.Time) string {
	data, err := os.ReadFile(h.config.FilePath)
	if err == nil && strings.TrimSpace(string(data)) != "" {
		return fmt.Sprintf("[HEARTBEAT at %s]\n\n%s\n\nIf there is nothing to do, respond with exactly %s.",
			now.Format("2006-01-02 15:04"), strings.TrimSpace(string(data)), heartbeatOKSentinel)
	}

	return fmt.Sprintf(`[HEARTBEAT at %s]

Check if there are any pending reminders, scheduled tasks, or proactive actions to take.
Review recent memory for anything time-sensitive.

If there is nothing to do, respond with exactly %s.
If there is something to communicate, write a concise message.`, now.Format("2006-01-02 15:04"), heartbeatOKSentinel)
}
