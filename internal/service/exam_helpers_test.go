package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/grachalle-go-api/internal/dto"
	"github.com/noah-isme/grachalle-go-api/pkg/ai"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// scriptedCompleter answers by schema name. The last queued answer for a schema repeats.
type scriptedCompleter struct {
	mu        sync.Mutex
	responses map[string][]string
	failures  map[string]error
	failAll   error
	calls     []ai.CompletionRequest
}

func newScriptedCompleter() *scriptedCompleter {
	return &scriptedCompleter{
		responses: make(map[string][]string),
		failures:  make(map[string]error),
	}
}

func (s *scriptedCompleter) reply(schema string, contents ...string) *scriptedCompleter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[schema] = append(s.responses[schema], contents...)
	return s
}

func (s *scriptedCompleter) fail(schema string, err error) *scriptedCompleter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[schema] = err
	return s
}

func (s *scriptedCompleter) breakAll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = err
}

func (s *scriptedCompleter) Complete(_ context.Context, req ai.CompletionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)
	if s.failAll != nil {
		return "", s.failAll
	}
	if err, ok := s.failures[req.SchemaName]; ok {
		return "", err
	}

	queue := s.responses[req.SchemaName]
	if len(queue) == 0 {
		return "", fmt.Errorf("no scripted response for %s", req.SchemaName)
	}
	if len(queue) > 1 {
		s.responses[req.SchemaName] = queue[1:]
	}
	return queue[0], nil
}

func (s *scriptedCompleter) callsFor(schema string) []ai.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ai.CompletionRequest
	for _, call := range s.calls {
		if call.SchemaName == schema {
			out = append(out, call)
		}
	}
	return out
}

func (s *scriptedCompleter) schemaOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.calls))
	for _, call := range s.calls {
		out = append(out, call.SchemaName)
	}
	return out
}

func newTestCaller(completer ai.Completer) *ai.Caller {
	return ai.NewCaller(completer, ai.CallerConfig{Logger: testLogger()})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []dto.ExamFinishedEvent
	err    error
}

func (p *recordingPublisher) PublishFinished(_ context.Context, event dto.ExamFinishedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) published() []dto.ExamFinishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]dto.ExamFinishedEvent(nil), p.events...)
}

func newTestDependencies(completer ai.Completer, events ExamEventPublisher) SessionDependencies {
	return NewSessionDependencies(newTestCaller(completer), events, testLogger())
}
