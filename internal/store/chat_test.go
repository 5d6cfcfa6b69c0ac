package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestAppendAndListChatMessages(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	s := &Store{DB: db}

	mock.ExpectExec("INSERT INTO chat_messages").
		WithArgs("conv-1", "user", "run my feed", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.AppendChatMessage(context.Background(), ChatMessage{
		ConversationID: "conv-1", Role: "user", Content: "run my feed",
	}); err != nil {
		t.Fatalf("AppendChatMessage: %v", err)
	}

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "tool_name", "created_at"}).
		AddRow(int64(1), "conv-1", "user", "run my feed", "", now).
		AddRow(int64(2), "conv-1", "tool", "Run run-1 finished", "trigger_feed_run", now)
	mock.ExpectQuery("SELECT id, conversation_id, role, content, tool_name, created_at").
		WithArgs("conv-1").
		WillReturnRows(rows)

	msgs, err := s.ListChatMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("ListChatMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[1].ToolName != "trigger_feed_run" {
		t.Fatalf("tool turn = %+v", msgs[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
