package mongostore

import (
	"context"
	"slices"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/delivery"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func (s *Store) message(ctx context.Context, id int64) (*model.Message, error) {
	var d messageDoc
	err := s.col(colMessages).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m := d.model()
	return &m, nil
}

func (s *Store) messagesByID(ctx context.Context, ids []int64) (map[int64]*model.Message, error) {
	out := make(map[int64]*model.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := s.col(colMessages).Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return nil, err
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		m := d.model()
		out[m.ID] = &m
	}
	return out, nil
}

func (s *Store) Message(ctx context.Context, id int64) (*model.Message, error) {
	m, err := s.message(ctx, id)
	if err != nil {
		return nil, fail(err, "mongostore.Message")
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID int64, p store.Page) ([]model.Message, error) {
	p = p.Normalize()
	filter := bson.D{{Key: "conversation_id", Value: conversationID}}
	dir := -1
	switch {
	case p.After > 0:
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$gt", Value: p.After}}})
		dir = 1
	case p.Before > 0:
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$lt", Value: p.Before}}})
	}
	cur, err := s.col(colMessages).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: dir}}).SetLimit(int64(p.Limit)))
	if err != nil {
		return nil, fail(err, "mongostore.ListMessages.query")
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fail(err, "mongostore.ListMessages.decode")
	}
	if dir == -1 {
		slices.Reverse(docs)
	}
	out := make([]model.Message, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	return out, nil
}

func (s *Store) Submit(ctx context.Context, p store.SubmitParams) (*model.Message, bool, error) {
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	var (
		out *model.Message
		dup bool
	)
	err := s.inTx(ctx, "mongostore.Submit", func(ctx context.Context) error {
		out, dup = nil, false
		if p.IdempotencyKey != "" {
			var rec idempotencyDoc
			err := s.col(colIdempotency).FindOne(ctx, bson.D{
				{Key: "user_id", Value: p.SenderID}, {Key: "key", Value: p.IdempotencyKey},
			}).Decode(&rec)
			switch {
			case err == nil:
				m, err := s.message(ctx, rec.MessageID)
				if err != nil {
					return err
				}
				if m == nil {
					return apperr.NotFound("original message no longer exists")
				}
				out, dup = m, true
				return nil
			case !errors.Is(err, mongo.ErrNoDocuments):
				return err
			}
		}

		conv, err := s.conversationDoc(ctx, bson.D{{Key: "_id", Value: p.ConversationID}})
		if err != nil {
			return err
		}
		if conv == nil || (conv.UserLow != p.SenderID && conv.UserHigh != p.SenderID) {
			return apperr.NotParticipant()
		}
		if p.Draft.ReplyToID != nil {
			target, err := s.message(ctx, *p.Draft.ReplyToID)
			if err != nil {
				return err
			}
			if target == nil || target.ConversationID != conv.ID {
				return apperr.Validation("reply_to_id: message not found in this conversation")
			}
		}

		id, err := s.nextID(ctx, colMessages)
		if err != nil {
			return err
		}
		m := p.Draft.Message(conv.ID, p.SenderID, p.IdempotencyKey, fromMillis(toMillis(p.At)))
		m.ID = id
		recipient := conv.other(p.SenderID)
		m.Reads = []model.MessageRead{{MessageID: id, UserID: recipient, Status: delivery.StatusSent}}
		if _, err := s.col(colMessages).InsertOne(ctx, newMessageDoc(&m)); err != nil {
			return err
		}

		if _, err := s.col(colConversations).UpdateOne(ctx,
			bson.D{{Key: "_id", Value: conv.ID}, {Key: "last_message_id", Value: bson.D{{Key: "$lt", Value: id}}}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "last_message_id", Value: id}, {Key: "last_message_at", Value: toMillis(m.CreatedAt)}}}},
		); err != nil {
			return err
		}
		if _, err := s.col(colConversations).UpdateOne(ctx,
			bson.D{{Key: "_id", Value: conv.ID}, {Key: "members.user_id", Value: recipient}},
			bson.D{{Key: "$inc", Value: bson.D{{Key: "members.$.unread", Value: 1}}}},
		); err != nil {
			return err
		}
		if p.IdempotencyKey != "" {
			if _, err := s.col(colIdempotency).InsertOne(ctx, idempotencyDoc{
				UserID: p.SenderID, Key: p.IdempotencyKey, MessageID: id, CreatedAt: toMillis(p.At),
			}); err != nil {
				return err
			}
		}
		out = &m
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, dup, nil
}

func (s *Store) AdvanceStatus(ctx context.Context, userID, conversationID int64, status delivery.Status, upToID int64, at time.Time) ([]int64, error) {
	if status != delivery.StatusDelivered && status != delivery.StatusRead {
		return nil, apperr.Validation("status must be delivered or read")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var changed []int64
	err := s.inTx(ctx, "mongostore.AdvanceStatus", func(ctx context.Context) error {
		changed = nil
		conv, err := s.conversationDoc(ctx, bson.D{{Key: "_id", Value: conversationID}, {Key: "members.user_id", Value: userID}})
		if err != nil {
			return err
		}
		if conv == nil {
			return apperr.NotParticipant()
		}

		behind := bson.D{{Key: "user_id", Value: userID}, {Key: "status", Value: bson.D{{Key: "$lt", Value: int(status)}}}}
		filter := bson.D{
			{Key: "conversation_id", Value: conversationID},
			{Key: "reads", Value: bson.D{{Key: "$elemMatch", Value: behind}}},
		}
		if upToID > 0 {
			filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$lte", Value: upToID}}})
		}
		cur, err := s.col(colMessages).Find(ctx, filter, options.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetProjection(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return err
		}
		var pending []struct {
			ID int64 `bson:"_id"`
		}
		if err := cur.All(ctx, &pending); err != nil {
			return err
		}

		set := bson.D{{Key: "reads.$.status", Value: int(status)}}
		if status == delivery.StatusRead {
			set = append(set, bson.E{Key: "reads.$.read_at", Value: toMillis(at)})
		}
		for _, p := range pending {
			res, err := s.col(colMessages).UpdateOne(ctx,
				bson.D{{Key: "_id", Value: p.ID}, {Key: "reads", Value: bson.D{{Key: "$elemMatch", Value: behind}}}},
				bson.D{{Key: "$set", Value: set}},
			)
			if err != nil {
				return err
			}
			if res.ModifiedCount > 0 {
				changed = append(changed, p.ID)
			}
		}

		if status == delivery.StatusRead && conv.unread(userID) != 0 {
			if _, err := s.col(colConversations).UpdateOne(ctx,
				bson.D{{Key: "_id", Value: conversationID}, {Key: "members.user_id", Value: userID}},
				bson.D{{Key: "$set", Value: bson.D{{Key: "members.$.unread", Value: 0}}}},
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (s *Store) SoftDelete(ctx context.Context, userID, messageID int64) (*model.Message, bool, error) {
	var (
		out     *model.Message
		changed bool
	)
	err := s.inTx(ctx, "mongostore.SoftDelete", func(ctx context.Context) error {
		out, changed = nil, false
		m, err := s.message(ctx, messageID)
		if err != nil {
			return err
		}
		if m == nil {
			return apperr.NotFound("message not found")
		}
		if m.SenderID != userID {
			return apperr.Forbidden("only the sender may delete a message")
		}
		out = m
		if m.IsDeleted {
			return nil
		}
		_, err = s.col(colMessages).UpdateOne(ctx,
			bson.D{{Key: "_id", Value: messageID}},
			bson.D{
				{Key: "$set", Value: bson.D{{Key: "is_deleted", Value: true}}},
				{Key: "$unset", Value: bson.D{
					{Key: "content", Value: ""},
					{Key: "media_url", Value: ""},
					{Key: "media_mime_type", Value: ""},
					{Key: "media_duration", Value: ""},
					{Key: "waveform", Value: ""},
				}},
			},
		)
		if err != nil {
			return err
		}
		m.Redact()
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}
