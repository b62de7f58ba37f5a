package mongostore

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/ageniuscoder/mmchat/realtime/internal/apperr"
	"github.com/ageniuscoder/mmchat/realtime/internal/model"
	"github.com/ageniuscoder/mmchat/realtime/internal/store"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*model.User, error) {
	id, err := s.nextID(ctx, colUsers)
	if err != nil {
		return nil, fail(err, "mongostore.CreateUser.id")
	}
	doc := userDoc{
		ID:            id,
		Username:      username,
		UsernameLower: strings.ToLower(username),
		PasswordHash:  passwordHash,
		CreatedAt:     toMillis(time.Now()),
	}
	if _, err := s.col(colUsers).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperr.AlreadyExists("username already taken")
		}
		return nil, fail(err, "mongostore.CreateUser")
	}
	return doc.model(), nil
}

func (s *Store) user(ctx context.Context, op string, filter bson.D) (*model.User, error) {
	var d userDoc
	err := s.col(colUsers).FindOne(ctx, filter).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fail(err, op)
	}
	return d.model(), nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.user(ctx, "mongostore.UserByID", bson.D{{Key: "_id", Value: id}})
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.user(ctx, "mongostore.UserByUsername", bson.D{{Key: "username", Value: username}})
}

func (s *Store) SearchUsers(ctx context.Context, prefix string, excludeID int64, limit int) ([]model.User, error) {
	if limit <= 0 || limit > store.MaxLimit {
		limit = 20
	}
	filter := bson.D{
		{Key: "username_lower", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(strings.ToLower(prefix))}}},
		{Key: "_id", Value: bson.D{{Key: "$ne", Value: excludeID}}},
	}
	cur, err := s.col(colUsers).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "username", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fail(err, "mongostore.SearchUsers")
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fail(err, "mongostore.SearchUsers.decode")
	}
	out := make([]model.User, 0, len(docs))
	for _, d := range docs {
		out = append(out, *d.model())
	}
	return out, nil
}

// TouchLastSeen records at unless a later activity is already stored.
func (s *Store) TouchLastSeen(ctx context.Context, userID int64, at time.Time) error {
	ms := toMillis(at)
	filter := bson.D{
		{Key: "_id", Value: userID},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "last_active", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "last_active", Value: bson.D{{Key: "$lt", Value: ms}}}},
		}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "last_active", Value: ms}}}}
	if _, err := s.col(colUsers).UpdateOne(ctx, filter, update); err != nil {
		return fail(err, "mongostore.TouchLastSeen")
	}
	return nil
}

func (s *Store) LastSeen(ctx context.Context, userID int64) (*time.Time, error) {
	u, err := s.user(ctx, "mongostore.LastSeen", bson.D{{Key: "_id", Value: userID}})
	if err != nil {
		return nil, err
	}
	return u.LastActive, nil
}

// usernames maps user ids to usernames.
func (s *Store) usernames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := s.col(colUsers).Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		options.Find().SetProjection(bson.D{{Key: "username", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = d.Username
	}
	return out, nil
}
