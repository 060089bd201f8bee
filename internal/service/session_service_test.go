package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/grachalle-go-api/internal/dto"
	"github.com/noah-isme/grachalle-go-api/internal/models"
	"github.com/noah-isme/grachalle-go-api/pkg/ai"
)

const (
	examRequest    = `{"description":"英会話の試験をお願いします","is_request_for_examination":true}`
	notExamRequest = `{"description":"天気は？","is_request_for_examination":false}`
)

func scriptedExam() *scriptedCompleter {
	return newScriptedCompleter().
		reply("examination_start_intent", examRequest).
		reply("examination_information", `{"language":"English","level":"Intermediate"}`).
		reply("confirmation_message", `{"confirmation_message":"English (Intermediate) の会話試験を始めます。準備ができたら入力してください。"}`).
		reply("conversational_text",
			`{"message":"What is your favourite food?"}`,
			`{"message":"Why do you like it?"}`,
			`{"message":"How often do you eat it?"}`,
		).
		reply("evaluation_score", `{"score":78}`).
		reply("evaluation_feedback", `{"feedback":"文法が正確です。"}`).
		reply("evaluation_result", `{"result":"スコア78点。文法が正確で、語彙も適切です。"}`)
}

func TestSessionRefusesUnrelatedInput(t *testing.T) {
	completer := newScriptedCompleter().reply("examination_start_intent", notExamRequest)
	session := NewExamSession("s1", SessionConfig{}, newTestDependencies(completer, nil))

	reply := session.Run(context.Background(), "今日の天気は？")
	require.Equal(t, RefusalMessage, reply)

	snapshot := session.Snapshot()
	require.Equal(t, models.ExamPhaseHearing, snapshot.Phase)
	require.Empty(t, snapshot.Language)
	require.Empty(t, snapshot.Level)
	require.True(t, snapshot.Refused)
	require.Empty(t, completer.callsFor("examination_information"))
}

func TestSessionRetryPolicyReclassifies(t *testing.T) {
	completer := newScriptedCompleter().
		reply("examination_start_intent", notExamRequest, examRequest).
		reply("examination_information", `{"language":"English","level":"Beginner"}`).
		reply("confirmation_message", `{"confirmation_message":"English Beginner で始めます。"}`)
	session := NewExamSession("s1", SessionConfig{RefusalPolicy: RefusalPolicyRetry}, newTestDependencies(completer, nil))

	require.Equal(t, RefusalMessage, session.Run(context.Background(), "hello"))
	require.Equal(t, "English Beginner で始めます。", session.Run(context.Background(), "英語初級で試験して"))
	require.Equal(t, models.ExamPhaseConfirmed, session.Snapshot().Phase)
	require.Len(t, completer.callsFor("examination_start_intent"), 2)
}

func TestSessionBlockPolicyStopsClassifying(t *testing.T) {
	completer := newScriptedCompleter().reply("examination_start_intent", notExamRequest, examRequest)
	session := NewExamSession("s1", SessionConfig{RefusalPolicy: RefusalPolicyBlock}, newTestDependencies(completer, nil))

	require.Equal(t, RefusalMessage, session.Run(context.Background(), "hello"))
	require.Equal(t, RefusalMessage, session.Run(context.Background(), "英語初級で試験して"))
	require.Len(t, completer.callsFor("examination_start_intent"), 1)
	require.Equal(t, models.ExamPhaseHearing, session.Snapshot().Phase)
}

func TestSessionAsksForMissingSlots(t *testing.T) {
	completer := newScriptedCompleter().
		reply("examination_start_intent", examRequest).
		reply("examination_information", `{}`, `{"language":"フランス語"}`, `{"level":"上級","language":"ドイツ語"}`).
		reply("confirmation_message", `{"confirmation_message":"フランス語・上級で始めます。"}`)
	session := NewExamSession("s1", SessionConfig{}, newTestDependencies(completer, nil))

	require.Equal(t, AskLanguageMessage, session.Run(context.Background(), "試験を受けたい"))
	require.Equal(t, AskLevelMessage, session.Run(context.Background(), "フランス語"))
	require.Equal(t, "フランス語・上級で始めます。", session.Run(context.Background(), "上級"))

	snapshot := session.Snapshot()
	require.Equal(t, models.ExamPhaseConfirmed, snapshot.Phase)
	require.Equal(t, "フランス語", snapshot.Language)
	require.Equal(t, "上級", snapshot.Level)
	require.Len(t, completer.callsFor("examination_start_intent"), 1)
}

func TestSessionRunsFullExam(t *testing.T) {
	completer := scriptedExam()
	events := &recordingPublisher{}
	session := NewExamSession("s1", SessionConfig{MaxTurns: 3}, newTestDependencies(completer, events))
	ctx := context.Background()

	confirmation := session.Run(ctx, "英語の中級で会話試験をお願いします")
	require.Contains(t, confirmation, "English")
	require.Contains(t, confirmation, "Intermediate")
	require.Equal(t, models.ExamPhaseConfirmed, session.Snapshot().Phase)

	require.Equal(t, "What is your favourite food?", session.Run(ctx, "OK"))
	snapshot := session.Snapshot()
	require.Equal(t, models.ExamPhaseExamining, snapshot.Phase)
	require.Equal(t, 1, snapshot.TurnCount)

	require.Equal(t, "Why do you like it?", session.Run(ctx, "I like sushi."))
	require.Equal(t, "How often do you eat it?", session.Run(ctx, "Because it is fresh."))
	require.Equal(t, 3, session.Snapshot().TurnCount)

	report := session.Run(ctx, "Once a week.")
	require.Contains(t, report, "【会話試験終了】")
	require.Contains(t, report, "スコア: 78/100")
	require.Contains(t, report, "スコア78点。文法が正確で、語彙も適切です。")

	snapshot = session.Snapshot()
	require.Equal(t, models.ExamPhaseFinished, snapshot.Phase)
	require.NotNil(t, snapshot.Result)
	require.Equal(t, 78, snapshot.Result.Score)
	require.Equal(t, []models.Turn{
		{Role: models.TurnRoleExaminer, Content: "What is your favourite food?"},
		{Role: models.TurnRoleUser, Content: "I like sushi."},
		{Role: models.TurnRoleExaminer, Content: "Why do you like it?"},
		{Role: models.TurnRoleUser, Content: "Because it is fresh."},
		{Role: models.TurnRoleExaminer, Content: "How often do you eat it?"},
		{Role: models.TurnRoleUser, Content: "Once a week."},
	}, snapshot.Transcript)

	published := events.published()
	require.Len(t, published, 1)
	require.Equal(t, "s1", published[0].SessionID)
	require.Equal(t, "English", published[0].Language)
	require.Equal(t, 78, published[0].Score)
	require.True(t, published[0].Scored)
	require.Equal(t, 3, published[0].TurnCount)

	callsBefore := len(completer.schemaOrder())
	require.Equal(t, report, session.Run(ctx, "もう一度"))
	require.Len(t, completer.schemaOrder(), callsBefore)
	require.Len(t, events.published(), 1)
}

func TestSessionReachesFinishedWhenBackendBreaks(t *testing.T) {
	completer := scriptedExam()
	session := NewExamSession("s1", SessionConfig{MaxTurns: 3}, newTestDependencies(completer, nil))
	ctx := context.Background()

	session.Run(ctx, "英語の中級で会話試験をお願いします")
	completer.breakAll(errors.New("backend unavailable"))

	require.Equal(t, openingFallback("English"), session.Run(ctx, "OK"))
	require.Equal(t, ContinueFallback, session.Run(ctx, "answer one"))
	require.Equal(t, ContinueFallback, session.Run(ctx, "answer two"))
	require.Equal(t, 3, session.Snapshot().TurnCount)

	report := session.Run(ctx, "answer three")
	require.Contains(t, report, "スコア: "+ScoreFallback)
	require.Contains(t, report, "詳細な言語分析を生成できませんでした。")
	require.Contains(t, report, "フィードバックを生成できませんでした。")

	snapshot := session.Snapshot()
	require.Equal(t, models.ExamPhaseFinished, snapshot.Phase)
	require.False(t, snapshot.Result.ScoreOK)
}

func TestSessionPublishFailureDoesNotBlockReport(t *testing.T) {
	completer := scriptedExam()
	events := &recordingPublisher{err: errors.New("broker down")}
	session := NewExamSession("s1", SessionConfig{MaxTurns: 1}, newTestDependencies(completer, events))
	ctx := context.Background()

	session.Run(ctx, "英語の中級で会話試験をお願いします")
	session.Run(ctx, "OK")
	report := session.Run(ctx, "Sushi.")

	require.Contains(t, report, "スコア: 78/100")
	require.Equal(t, models.ExamPhaseFinished, session.Snapshot().Phase)
	require.Len(t, events.published(), 1)
}

type panickingIntent struct{ IntentService }

func (panickingIntent) DetectIntent(context.Context, string) ai.Result[dto.IntentPayload] {
	panic("unexpected")
}

func TestSessionRecoversFromPanics(t *testing.T) {
	deps := newTestDependencies(newScriptedCompleter(), nil)
	deps.Intent = panickingIntent{IntentService: deps.Intent}
	session := NewExamSession("s1", SessionConfig{}, deps)

	require.Equal(t, StepFailureMessage, session.Run(context.Background(), "hello"))
	require.Equal(t, models.ExamPhaseHearing, session.Snapshot().Phase)
}

func TestSessionSerialisesConcurrentMessages(t *testing.T) {
	completer := scriptedExam()
	session := NewExamSession("s1", SessionConfig{MaxTurns: 50}, newTestDependencies(completer, nil))
	ctx := context.Background()

	session.Run(ctx, "英語の中級で会話試験をお願いします")
	session.Run(ctx, "OK")

	replies := make([]<-chan string, 10)
	for i := range replies {
		replies[i] = session.RunAsync(ctx, "answer")
	}
	for _, ch := range replies {
		require.NotEmpty(t, <-ch)
	}

	snapshot := session.Snapshot()
	require.Equal(t, 11, snapshot.TurnCount)
	require.Len(t, snapshot.Transcript, 21)
}

func TestRunWithSnapshotMatchesItsReply(t *testing.T) {
	completer := scriptedExam()
	questions := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		questions = append(questions, fmt.Sprintf(`{"message":"Question %d?"}`, i))
	}
	completer.responses["conversational_text"] = append([]string{`{"message":"Opening?"}`}, questions...)

	session := NewExamSession("s1", SessionConfig{MaxTurns: 50}, newTestDependencies(completer, nil))
	ctx := context.Background()
	session.Run(ctx, "英語の中級で会話試験をお願いします")

	reply, snapshot := session.RunWithSnapshot(ctx, "OK")
	require.Equal(t, "Opening?", reply)
	require.Equal(t, models.ExamPhaseExamining, snapshot.Phase)
	require.Equal(t, 1, snapshot.TurnCount)

	type outcome struct {
		reply    string
		snapshot models.ExamSession
	}
	results := make(chan outcome, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, snapshot := session.RunWithSnapshot(ctx, "answer")
			results <- outcome{reply: reply, snapshot: snapshot}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for result := range results {
		last := result.snapshot.Transcript[len(result.snapshot.Transcript)-1]
		require.Equal(t, models.TurnRoleExaminer, last.Role)
		require.Equal(t, result.reply, last.Content)
		require.Equal(t, fmt.Sprintf("Question %d?", result.snapshot.TurnCount-1), result.reply)
		require.False(t, seen[result.snapshot.TurnCount])
		seen[result.snapshot.TurnCount] = true
	}
	require.Len(t, seen, 10)
}

func TestParseRefusalPolicy(t *testing.T) {
	policy, err := ParseRefusalPolicy("")
	require.NoError(t, err)
	require.Equal(t, RefusalPolicyRetry, policy)

	policy, err = ParseRefusalPolicy(" Block ")
	require.NoError(t, err)
	require.Equal(t, RefusalPolicyBlock, policy)

	_, err = ParseRefusalPolicy("ignore")
	require.Error(t, err)
}
