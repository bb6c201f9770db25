package chat

import (
	"context"
	"fmt"
	"strings"

	"chatdesk/internal/queue"
	"chatdesk/internal/storage"
)

type ProjectQueue interface {
	Enqueue(ctx context.Context, job queue.ProjectJob) (queue.ProjectJob, error)
}

type ProjectInput struct {
	UserID         string
	ConversationID string
	ProjectType    string
	Requirements   string
}

// StartProject records the request in the conversation (creating one when
// needed) and queues the generation job.
func (s *Service) StartProject(ctx context.Context, in ProjectInput) (queue.ProjectJob, storage.Conversation, error) {
	if s.projects == nil {
		return queue.ProjectJob{}, storage.Conversation{}, fmt.Errorf("%w: project generation", ErrDisabled)
	}
	in.ProjectType = strings.TrimSpace(in.ProjectType)
	if in.ProjectType == "" {
		return queue.ProjectJob{}, storage.Conversation{}, ErrEmptyPrompt
	}
	request := "Generate a " + in.ProjectType + " project"
	if r := strings.TrimSpace(in.Requirements); r != "" {
		request += ": " + r
	}

	var conv storage.Conversation
	var err error
	if in.ConversationID != "" {
		conv, err = s.store.GetConversation(ctx, in.UserID, in.ConversationID)
	} else {
		conv, err = s.store.CreateConversation(ctx, storage.Conversation{UserID: in.UserID, Title: storage.TitleFromPrompt(request)})
	}
	if err != nil {
		return queue.ProjectJob{}, storage.Conversation{}, err
	}

	if _, err := s.store.AppendMessage(ctx, storage.Message{
		ConversationID: conv.ID,
		Role:           storage.RoleUser,
		Parts:          []storage.Part{{Text: request}},
	}); err != nil {
		return queue.ProjectJob{}, storage.Conversation{}, fmt.Errorf("save project request: %w", err)
	}

	job, err := s.projects.Enqueue(ctx, queue.ProjectJob{
		UserID:         in.UserID,
		ConversationID: conv.ID,
		ProjectType:    in.ProjectType,
		Requirements:   in.Requirements,
	})
	if err != nil {
		return queue.ProjectJob{}, storage.Conversation{}, fmt.Errorf("queue project: %w", err)
	}
	return job, conv, nil
}

// RecordProject stores a finished project bundle as a model message.
func (s *Service) RecordProject(ctx context.Context, job queue.ProjectJob, summary, bundle string) (storage.Message, error) {
	text := strings.TrimSpace(summary + "\n\n" + bundle)
	return s.store.AppendMessage(ctx, storage.Message{
		ConversationID: job.ConversationID,
		Role:           storage.RoleModel,
		Parts:          []storage.Part{{Text: text}},
		Code:           &bundle,
	})
}

// RecordProjectFailure tells the user, in the conversation, that the job
// gave up.
func (s *Service) RecordProjectFailure(ctx context.Context, job queue.ProjectJob, cause error) (storage.Message, error) {
	text := fmt.Sprintf("Project generation for %q failed after %d attempts: %v", job.ProjectType, job.Attempts+1, cause)
	return s.store.AppendMessage(ctx, storage.Message{
		ConversationID: job.ConversationID,
		Role:           storage.RoleModel,
		Parts:          []storage.Part{{Text: text}},
	})
}
