// Package chat answers site managers' messages about a project, trying
// canned replies, then the response cache, then the language model.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ted-keystonepartners/tevor/pkg/config"
	"github.com/ted-keystonepartners/tevor/pkg/llm"
	"github.com/ted-keystonepartners/tevor/pkg/models"
	"github.com/ted-keystonepartners/tevor/pkg/store"
)

// ErrEmptyMessage is returned for a blank message.
var ErrEmptyMessage = errors.New("message must not be empty")

// FallbackAnswer is returned when every provider fails. It is never cached.
const FallbackAnswer = "네, 실장님. 말씀하신 내용 확인했습니다. 구체적으로 어떤 도움이 필요하신가요?"

// Project context defaults for fields a project leaves empty.
const (
	DefaultProjectType  = "일반 주택"
	DefaultCurrentStage = "시공 전"
)

// DefaultExpectedSpaces is used when a project lists no spaces.
var DefaultExpectedSpaces = []string{"거실", "주방", "침실", "욕실"}

// Payload keys stored in the response cache.
const (
	payloadResponse = "response"
	payloadModel    = "model"
)

// Cache is the subset of the response cache the service needs.
type Cache interface {
	Get(query string, contextData map[string]any) (map[string]any, bool)
	Set(query string, payload map[string]any, contextData map[string]any)
}

// Service produces and records replies.
type Service struct {
	store store.Store
	llm   llm.Completer
	cache Cache
	cfg   config.ChatConfig
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables the response cache.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. Without WithCache every non-canned message goes to
// the model.
func New(st store.Store, completer llm.Completer, cfg config.ChatConfig, opts ...Option) *Service {
	s := &Service{
		store: st,
		llm:   completer,
		cfg:   cfg,
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProjectContext returns the cache and prompt context for p, with defaults
// filled in.
func ProjectContext(p models.Project) map[string]any {
	projectType := p.ProjectType
	if projectType == "" {
		projectType = DefaultProjectType
	}
	stage := p.CurrentStage
	if stage == "" {
		stage = DefaultCurrentStage
	}
	spaces := p.ExpectedSpaces
	if len(spaces) == 0 {
		spaces = DefaultExpectedSpaces
	}
	return map[string]any{
		"project_type":    projectType,
		"current_stage":   stage,
		"expected_spaces": spaces,
	}
}

// Reply answers message for the given project and records the exchange.
func (s *Service) Reply(ctx context.Context, projectID, message string) (models.Reply, error) {
	message, project, err := s.prepare(ctx, projectID, message)
	if err != nil {
		return models.Reply{}, err
	}
	projectCtx := ProjectContext(project)

	reply, ok := s.quickReply(message)
	if !ok {
		reply, ok = s.cached(message, projectCtx)
	}
	if !ok {
		reply = s.generate(ctx, project, message, projectCtx)
	}

	return s.record(ctx, project, message, reply)
}

// Stream answers message like Reply but delivers the answer to emit as a
// start event, one or more content events and an end event carrying the
// message ID. Canned and cached answers arrive as a single content event.
// Validation and lookup errors are returned before anything is emitted.
// A model failure before any text was streamed produces the fallback
// answer. A failure after that ends the stream with an error event and
// nothing is recorded or cached.
func (s *Service) Stream(ctx context.Context, projectID, message string, emit func(models.StreamEvent) error) (models.Reply, error) {
	message, project, err := s.prepare(ctx, projectID, message)
	if err != nil {
		return models.Reply{}, err
	}
	projectCtx := ProjectContext(project)

	reply, ok := s.quickReply(message)
	if !ok {
		reply, ok = s.cached(message, projectCtx)
	}
	if ok {
		if err := emit(models.StreamEvent{Type: models.StreamStart, Source: reply.Source, Model: reply.Model}); err != nil {
			return models.Reply{}, err
		}
		if err := emit(models.StreamEvent{Type: models.StreamContent, Text: reply.Response, FromCache: reply.FromCache}); err != nil {
			return models.Reply{}, err
		}
		return s.finishStream(ctx, project, message, reply, emit)
	}

	if err := emit(models.StreamEvent{Type: models.StreamStart, Source: models.SourceLLM, Model: s.cfg.Model}); err != nil {
		return models.Reply{}, err
	}

	var streamed strings.Builder
	res, err := s.streamCompletion(ctx, s.completionRequest(ctx, project, message, projectCtx), func(text string) error {
		streamed.WriteString(text)
		return emit(models.StreamEvent{Type: models.StreamContent, Text: text})
	})
	switch {
	case err != nil && streamed.Len() == 0:
		s.log.Warn().Err(err).Str("project_id", project.ProjectID).Msg("stream failed, using fallback")
		reply = models.Reply{Response: FallbackAnswer, Source: models.SourceFallback, Error: err.Error()}
		if err := emit(models.StreamEvent{Type: models.StreamContent, Text: FallbackAnswer}); err != nil {
			return models.Reply{}, err
		}
	case err != nil:
		s.log.Warn().Err(err).Str("project_id", project.ProjectID).Msg("stream interrupted")
		_ = emit(models.StreamEvent{Type: models.StreamEnd, Error: err.Error()})
		return models.Reply{}, fmt.Errorf("stream reply: %w", err)
	default:
		s.remember(message, res, projectCtx)
		reply = models.Reply{Response: res.Content, Source: models.SourceLLM, Model: res.Model, Confidence: 1.0}
	}

	return s.finishStream(ctx, project, message, reply, emit)
}

func (s *Service) finishStream(ctx context.Context, project models.Project, message string, reply models.Reply, emit func(models.StreamEvent) error) (models.Reply, error) {
	reply, err := s.record(ctx, project, message, reply)
	if err != nil {
		_ = emit(models.StreamEvent{Type: models.StreamEnd, Error: "failed to save reply"})
		return models.Reply{}, err
	}
	return reply, emit(models.StreamEvent{Type: models.StreamEnd, Source: reply.Source, MessageID: reply.MessageID})
}

// streamCompletion streams when the completer supports it and otherwise
// delivers the whole completion as one piece.
func (s *Service) streamCompletion(ctx context.Context, req llm.CompletionRequest, fn llm.DeltaFunc) (llm.CompletionResult, error) {
	if streamer, ok := s.llm.(llm.Streamer); ok {
		return streamer.Stream(ctx, req, fn)
	}
	res, err := s.llm.Complete(ctx, req)
	if err != nil {
		return llm.CompletionResult{}, err
	}
	return res, fn(res.Content)
}

func (s *Service) prepare(ctx context.Context, projectID, message string) (string, models.Project, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", models.Project{}, ErrEmptyMessage
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return "", models.Project{}, err
	}
	return message, project, nil
}

func (s *Service) record(ctx context.Context, project models.Project, message string, reply models.Reply) (models.Reply, error) {
	rec := models.MessageRecord{
		MessageID:   "msg_" + uuid.NewString()[:8],
		ProjectID:   project.ProjectID,
		UserMessage: message,
		AIResponse:  reply.Response,
		Source:      reply.Source,
		CreatedAt:   s.now().UTC(),
	}
	id, err := s.store.RecordMessage(ctx, rec)
	if err != nil {
		return models.Reply{}, fmt.Errorf("save reply: %w", err)
	}

	reply.ID = id
	reply.MessageID = rec.MessageID
	reply.CreatedAt = rec.CreatedAt
	return reply, nil
}

func (s *Service) quickReply(message string) (models.Reply, bool) {
	lowered := strings.ToLower(message)
	for _, qr := range s.cfg.QuickReplies {
		if qr.MaxLength > 0 && utf8.RuneCountInString(message) > qr.MaxLength {
			continue
		}
		for _, pattern := range qr.Patterns {
			if strings.Contains(lowered, strings.ToLower(pattern)) {
				return models.Reply{
					Response:   qr.Reply,
					Source:     models.SourcePattern,
					Confidence: 1.0,
				}, true
			}
		}
	}
	return models.Reply{}, false
}

func (s *Service) cached(message string, projectCtx map[string]any) (models.Reply, bool) {
	if s.cache == nil {
		return models.Reply{}, false
	}
	payload, ok := s.cache.Get(message, projectCtx)
	if !ok {
		return models.Reply{}, false
	}
	response, ok := payload[payloadResponse].(string)
	if !ok {
		return models.Reply{}, false
	}

	reply := models.Reply{
		Response:   response,
		Source:     models.SourceCache,
		Confidence: 0.9,
		FromCache:  true,
	}
	reply.Model, _ = payload[payloadModel].(string)
	reply.CacheAge, _ = payload[models.CacheFieldAge].(int64)
	reply.SimilarMatch, _ = payload[models.CacheFieldSimilarMatch].(bool)
	return reply, true
}

func (s *Service) generate(ctx context.Context, project models.Project, message string, projectCtx map[string]any) models.Reply {
	res, err := s.llm.Complete(ctx, s.completionRequest(ctx, project, message, projectCtx))
	if err != nil {
		s.log.Warn().Err(err).Str("project_id", project.ProjectID).Msg("completion failed, using fallback")
		return models.Reply{
			Response: FallbackAnswer,
			Source:   models.SourceFallback,
			Error:    err.Error(),
		}
	}

	s.remember(message, res, projectCtx)
	return models.Reply{
		Response:   res.Content,
		Source:     models.SourceLLM,
		Model:      res.Model,
		Confidence: 1.0,
	}
}

// remember caches a successful model answer.
func (s *Service) remember(message string, res llm.CompletionResult, projectCtx map[string]any) {
	if s.cache == nil {
		return
	}
	s.cache.Set(message, map[string]any{
		payloadResponse: res.Content,
		payloadModel:    res.Model,
	}, projectCtx)
}

func (s *Service) completionRequest(ctx context.Context, project models.Project, message string, projectCtx map[string]any) llm.CompletionRequest {
	req := llm.CompletionRequest{
		Model:     s.cfg.Model,
		Messages:  s.buildMessages(ctx, project, message, projectCtx),
		MaxTokens: s.cfg.MaxTokens,
	}
	if s.cfg.Temperature > 0 {
		temp := s.cfg.Temperature
		req.Temperature = &temp
	}
	return req
}

func (s *Service) buildMessages(ctx context.Context, project models.Project, message string, projectCtx map[string]any) []models.ChatMessage {
	var msgs []models.ChatMessage
	if s.cfg.SystemPrompt != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: s.cfg.SystemPrompt})
	}
	msgs = append(msgs, models.ChatMessage{Role: "system", Content: formatProjectContext(projectCtx)})

	if s.cfg.HistoryTurns > 0 {
		history, err := s.store.History(ctx, project.ProjectID, s.cfg.HistoryTurns)
		if err != nil {
			s.log.Warn().Err(err).Str("project_id", project.ProjectID).Msg("load history")
		}
		for _, h := range history {
			msgs = append(msgs,
				models.ChatMessage{Role: "user", Content: h.UserMessage},
				models.ChatMessage{Role: "assistant", Content: h.AIResponse},
			)
		}
	}

	return append(msgs, models.ChatMessage{Role: "user", Content: message})
}

func formatProjectContext(projectCtx map[string]any) string {
	spaces, _ := projectCtx["expected_spaces"].([]string)
	return fmt.Sprintf("현재 프로젝트 정보:\n- 프로젝트 타입: %v\n- 현재 단계: %v\n- 예상 공간: %s",
		projectCtx["project_type"], projectCtx["current_stage"], strings.Join(spaces, ", "))
}
