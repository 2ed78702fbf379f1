package datamodel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/docstore"
	"fedvault.org/internal/faults"
	"fedvault.org/internal/ids"
)

// AddComment appends a comment to the model's thread, creating the chain on
// the first post. Comment times are monotone within a chain.
func (s *Service) AddComment(ctx context.Context, principal authz.Principal, modelID, text string) (Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Comment{}, faults.BadRequestf("comment text is required")
	}
	if _, err := s.lookupModel(ctx, modelID); err != nil {
		return Comment{}, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	c := Comment{
		ID:             ids.New(),
		UserID:         principal.UserID,
		OrganizationID: principal.OrganizationID,
		Text:           text,
		Time:           now,
	}

	var chain Chain
	err := s.store.FindOne(ctx, docstore.CommentChains, docstore.Query{"data_model_id": modelID}, &chain)
	if errors.Is(err, docstore.ErrNoDocuments) {
		chain = Chain{
			ID:          ids.New(),
			DataModelID: modelID,
			CreatedAt:   now,
			Comments:    []Comment{c},
		}
		if err := s.store.Insert(ctx, docstore.CommentChains, chain); err != nil {
			return Comment{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
		}
		return c, nil
	}
	if err != nil {
		return Comment{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}

	if n := len(chain.Comments); n > 0 && !chain.Comments[n-1].Time.Before(c.Time) {
		c.Time = chain.Comments[n-1].Time.Add(time.Millisecond)
	}
	if _, err := s.store.UpdateOne(ctx, docstore.CommentChains,
		docstore.Query{"id": chain.ID},
		docstore.Ops{Push: map[string]any{"comments": c}},
	); err != nil {
		return Comment{}, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return c, nil
}

// Comments returns a model's thread in insertion order. A model with no
// thread yet reads as an empty list.
func (s *Service) Comments(ctx context.Context, modelID string) ([]Comment, error) {
	if _, err := s.lookupModel(ctx, modelID); err != nil {
		return nil, err
	}
	var chain Chain
	err := s.store.FindOne(ctx, docstore.CommentChains, docstore.Query{"data_model_id": modelID}, &chain)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return chain.Comments, nil
}

// DeleteComment removes a comment. Allowed for its author and for users of
// the model's maintainer organization.
func (s *Service) DeleteComment(ctx context.Context, principal authz.Principal, modelID, commentID string) error {
	m, err := s.lookupModel(ctx, modelID)
	if err != nil {
		return err
	}
	var chain Chain
	err = s.store.FindOne(ctx, docstore.CommentChains, docstore.Query{"data_model_id": modelID}, &chain)
	if errors.Is(err, docstore.ErrNoDocuments) {
		return faults.NotFoundf("comment %s", commentID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	var target *Comment
	for i := range chain.Comments {
		if chain.Comments[i].ID == commentID {
			target = &chain.Comments[i]
			break
		}
	}
	if target == nil {
		return faults.NotFoundf("comment %s", commentID)
	}
	if principal.UserID != target.UserID && principal.OrganizationID != m.MaintainerOrganizationID {
		return authz.ErrDenied
	}
	if _, err := s.store.UpdateOne(ctx, docstore.CommentChains,
		docstore.Query{"id": chain.ID},
		docstore.Ops{Pull: map[string]any{"comments": docstore.Query{"id": commentID}}},
	); err != nil {
		return fmt.Errorf("%w: %v", faults.ErrInternal, err)
	}
	return nil
}
