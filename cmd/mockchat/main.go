package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// mockchat is a standalone backend that speaks the conversation wire
// protocol over SSE, for demoing and exercising the client engine without a
// real inference service.

var (
	addr       string
	chunkDelay time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "mockchat",
		Short: "Mock conversation backend streaming canned replies over SSE",
		RunE:  run,
	}
	root.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	root.Flags().DurationVar(&chunkDelay, "chunk-delay", 40*time.Millisecond, "pause between streamed chunks")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("mockchat failed")
	}
}

func run(cmd *cobra.Command, _ []string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/conversations/:conv/messages/stream", handleStream)
	r.POST("/api/conversations/:conv/messages/:msg/regenerate", handleRegenerate)
	r.GET("/api/conversations/:conv/messages", handleMessages)
	r.GET("/api/conversations/:conv", handleConversation)
	r.POST("/api/conversations/:conv/rename", notConfigured)
	r.POST("/api/conversations/:conv/summarize", notConfigured)

	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("mockchat listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type streamRequest struct {
	Text                  string   `json:"text"`
	TempID                string   `json:"temp_id"`
	ExtraConfigurationIDs []string `json:"extra_configuration_ids"`
}

type regenerateRequest struct {
	ParentMessageID string `json:"parent_message_id"`
}

func handleStream(c *gin.Context) {
	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	w := newSSEWriter(c)
	defer w.done()

	userID := "msg-" + uuid.NewString()
	w.send(map[string]any{
		"event":      "user_message",
		"id":         userID,
		"temp_id":    req.TempID,
		"role":       "user",
		"content":    req.Text,
		"created_at": time.Now().UTC(),
	})

	variants := 1 + len(req.ExtraConfigurationIDs)
	for i := 0; i < variants; i++ {
		cfg := "default"
		if i > 0 {
			cfg = req.ExtraConfigurationIDs[i-1]
		}
		streamVariant(c, w, variantReply{
			variant:   i,
			parent:    userID,
			config:    cfg,
			reasoning: "Considering how to answer.",
			text:      fmt.Sprintf("Mock reply %d to: %s", i+1, req.Text),
		})
	}
	w.sendRaw("[DONE]")
}

func handleRegenerate(c *gin.Context) {
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	w := newSSEWriter(c)
	defer w.done()

	streamVariant(c, w, variantReply{
		variant: 0,
		parent:  req.ParentMessageID,
		config:  "default",
		text:    "Regenerated mock reply for " + c.Param("msg"),
	})
	w.sendRaw("[DONE]")
}

type variantReply struct {
	variant   int
	parent    string
	config    string
	reasoning string
	text      string
}

func streamVariant(c *gin.Context, w *sseWriter, r variantReply) {
	if r.reasoning != "" {
		for _, chunk := range splitChunks(r.reasoning, 12) {
			w.send(map[string]any{
				"event":         "reasoning_delta",
				"variant_index": r.variant,
				"text":          chunk,
			})
			pause(c)
		}
	}
	for i, chunk := range splitChunks(r.text, 12) {
		ev := map[string]any{
			"event":         "content_delta",
			"variant_index": r.variant,
			"text":          chunk,
		}
		if i == 0 {
			ev["model_configuration"] = r.config
			ev["model_name"] = "mock-1"
			ev["model_display_name"] = "Mock One"
		}
		w.send(ev)
		pause(c)
	}
	w.send(map[string]any{
		"event":             "final_message",
		"id":                "msg-" + uuid.NewString(),
		"role":              "assistant",
		"content":           r.text,
		"parent_message_id": r.parent,
		"variant_index":     r.variant,
		"created_at":        time.Now().UTC(),
	})
}

func handleMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": []any{}, "has_more": false})
}

func handleConversation(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id":         c.Param("conv"),
		"title":      "Mock conversation",
		"created_at": time.Now().UTC(),
	})
}

func notConfigured(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "service not configured"})
}

// sseWriter frames payloads as server-sent events on a gin response.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
}

func newSSEWriter(c *gin.Context) *sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	flusher, _ := c.Writer.(http.Flusher)
	return &sseWriter{c: c, flusher: flusher}
}

func (w *sseWriter) send(payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Msg("could not marshal sse payload")
		return
	}
	w.sendRaw(string(b))
}

func (w *sseWriter) sendRaw(data string) {
	fmt.Fprintf(w.c.Writer, "data: %s\n\n", data)
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

func (w *sseWriter) done() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

func splitChunks(s string, size int) []string {
	var out []string
	var b strings.Builder
	for _, r := range s {
		b.WriteRune(r)
		if b.Len() >= size {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func pause(c *gin.Context) {
	select {
	case <-c.Request.Context().Done():
	case <-time.After(chunkDelay):
	}
}
