package mongostore

import (
	"context"
	"slices"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func (s *Store) conversationDoc(ctx context.Context, filter bson.D) (*conversationDoc, error) {
	var d conversationDoc
	err := s.col(colConversations).FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) conversation(ctx context.Context, filter bson.D) (*model.Conversation, error) {
	d, err := s.conversationDoc(ctx, filter)
	if err != nil || d == nil {
		return nil, err
	}
	c := &model.Conversation{
		ID:            d.ID,
		Participants:  []int64{d.UserLow, d.UserHigh},
		LastMessageAt: timePtr(d.LastMessageAt),
		UnreadCount:   make(map[int64]int, len(d.Members)),
		CreatedAt:     fromMillis(d.CreatedAt),
	}
	for _, m := range d.Members {
		c.UnreadCount[m.UserID] = m.Unread
	}
	if d.LastMessageID > 0 {
		m, err := s.message(ctx, d.LastMessageID)
		if err != nil {
			return nil, err
		}
		c.LastMessage = m
	}
	return c, nil
}

func pairFilter(userA, userB int64) bson.D {
	low, high := model.PairKey(userA, userB)
	return bson.D{{Key: "user_low", Value: low}, {Key: "user_high", Value: high}}
}

func (s *Store) Conversation(ctx context.Context, id int64) (*model.Conversation, error) {
	c, err := s.conversation(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, fail(err, "mongostore.Conversation")
	}
	return c, nil
}

func (s *Store) ConversationForPair(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	c, err := s.conversation(ctx, pairFilter(userA, userB))
	if err != nil {
		return nil, fail(err, "mongostore.ConversationForPair")
	}
	return c, nil
}

// CreateOrGetConversation relies on the unique pair index rather than a
// transaction: a concurrent creator makes the insert fail and the existing
// document is returned.
func (s *Store) CreateOrGetConversation(ctx context.Context, userA, userB int64) (*model.Conversation, bool, error) {
	if userA == userB {
		return nil, false, apperr.Validation("cannot start a conversation with yourself")
	}
	existing, err := s.ConversationForPair(ctx, userA, userB)
	if err != nil || existing != nil {
		return existing, false, err
	}

	low, high := model.PairKey(userA, userB)
	n, err := s.col(colUsers).CountDocuments(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{low, high}}}}})
	if err != nil {
		return nil, false, fail(err, "mongostore.CreateOrGetConversation.users")
	}
	if n != 2 {
		return nil, false, apperr.NotFound("user not found")
	}

	id, err := s.nextID(ctx, colConversations)
	if err != nil {
		return nil, false, fail(err, "mongostore.CreateOrGetConversation.id")
	}
	now := fromMillis(toMillis(time.Now()))
	doc := conversationDoc{
		ID:        id,
		UserLow:   low,
		UserHigh:  high,
		Members:   []memberDoc{{UserID: low}, {UserID: high}},
		CreatedAt: toMillis(now),
	}
	if _, err := s.col(colConversations).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			c, err := s.ConversationForPair(ctx, low, high)
			return c, false, err
		}
		return nil, false, fail(err, "mongostore.CreateOrGetConversation.insert")
	}
	return &model.Conversation{
		ID:           id,
		Participants: []int64{low, high},
		UnreadCount:  map[int64]int{low: 0, high: 0},
		CreatedAt:    now,
	}, true, nil
}

func (s *Store) ListConversations(ctx context.Context, userID int64, p store.Page) ([]model.ConversationSummary, error) {
	p = p.Normalize()
	filter := bson.D{{Key: "members.user_id", Value: userID}}
	dir := -1
	if cursor := max(p.Before, p.After); cursor > 0 {
		c, err := s.conversationDoc(ctx, bson.D{{Key: "_id", Value: cursor}})
		if err != nil {
			return nil, fail(err, "mongostore.ListConversations.cursor")
		}
		if c == nil {
			return nil, apperr.Validation("unknown conversation cursor")
		}
		op := "$lt"
		if p.After > 0 {
			op, dir = "$gt", 1
		}
		filter = append(filter, bson.E{Key: "$or", Value: bson.A{
			bson.D{{Key: "last_message_id", Value: bson.D{{Key: op, Value: c.LastMessageID}}}},
			bson.D{{Key: "last_message_id", Value: c.LastMessageID}, {Key: "_id", Value: bson.D{{Key: op, Value: cursor}}}},
		}})
	}
	cur, err := s.col(colConversations).Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "last_message_id", Value: dir}, {Key: "_id", Value: dir}}).
		SetLimit(int64(p.Limit)))
	if err != nil {
		return nil, fail(err, "mongostore.ListConversations.query")
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fail(err, "mongostore.ListConversations.decode")
	}
	if dir == 1 {
		slices.Reverse(docs)
	}

	others := make([]int64, 0, len(docs))
	var lastIDs []int64
	for _, d := range docs {
		others = append(others, d.other(userID))
		if d.LastMessageID > 0 {
			lastIDs = append(lastIDs, d.LastMessageID)
		}
	}
	names, err := s.usernames(ctx, others)
	if err != nil {
		return nil, fail(err, "mongostore.ListConversations.users")
	}
	last, err := s.messagesByID(ctx, lastIDs)
	if err != nil {
		return nil, fail(err, "mongostore.ListConversations.lastMessages")
	}

	out := make([]model.ConversationSummary, 0, len(docs))
	for _, d := range docs {
		other := d.other(userID)
		cs := model.ConversationSummary{
			ID:            d.ID,
			OtherUserID:   other,
			OtherUsername: names[other],
			LastMessageAt: timePtr(d.LastMessageAt),
			UnreadCount:   d.unread(userID),
			CreatedAt:     fromMillis(d.CreatedAt),
		}
		if m, ok := last[d.LastMessageID]; ok {
			cs.LastMessage = m
		}
		out = append(out, cs)
	}
	return out, nil
}

func (s *Store) CoParticipants(ctx context.Context, userID int64) ([]int64, error) {
	cur, err := s.col(colConversations).Find(ctx, bson.D{{Key: "members.user_id", Value: userID}},
		options.Find().SetProjection(bson.D{{Key: "user_low", Value: 1}, {Key: "user_high", Value: 1}}))
	if err != nil {
		return nil, fail(err, "mongostore.CoParticipants")
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fail(err, "mongostore.CoParticipants.decode")
	}
	out := make([]int64, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.other(userID))
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
