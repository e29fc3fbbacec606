package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps boards in MongoDB. Multi-document transactions need a
// replica set (a single-node one is enough for development).
type MongoStore struct {
	client      *mongo.Client
	users       *mongo.Collection
	boards      *mongo.Collection
	lists       *mongo.Collection
	tasks       *mongo.Collection
	memberships *mongo.Collection
	activities  *mongo.Collection
	counters    *mongo.Collection
}

type mongoMembership struct {
	ID         string `bson:"_id"`
	Membership `bson:",inline"`
}

func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return NewMongoStore(client, database), nil
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:      client,
		users:       db.Collection("users"),
		boards:      db.Collection("boards"),
		lists:       db.Collection("lists"),
		tasks:       db.Collection("tasks"),
		memberships: db.Collection("memberships"),
		activities:  db.Collection("activities"),
		counters:    db.Collection("counters"),
	}
}

// EnsureIndexes creates the indexes the queries rely on. It is idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	type spec struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}
	specs := []spec{
		{s.users, []mongo.IndexModel{{
			Keys: bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"email": bson.M{"$gt": ""}}),
		}}},
		{s.memberships, []mongo.IndexModel{
			{Keys: bson.D{{Key: "boardId", Value: 1}, {Key: "userId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "userId", Value: 1}}},
		}},
		{s.lists, []mongo.IndexModel{
			{Keys: bson.D{{Key: "boardId", Value: 1}, {Key: "position", Value: 1}}},
		}},
		{s.tasks, []mongo.IndexModel{
			{Keys: bson.D{{Key: "listId", Value: 1}, {Key: "position", Value: 1}}},
			{Keys: bson.D{{Key: "boardId", Value: 1}}},
			{Keys: bson.D{{Key: "assignees", Value: 1}, {Key: "updatedAt", Value: -1}}},
			{Keys: bson.D{{Key: "title", Value: "text"}, {Key: "description", Value: "text"}}},
		}},
		{s.activities, []mongo.IndexModel{
			{Keys: bson.D{{Key: "boardId", Value: 1}, {Key: "seq", Value: -1}}},
		}},
	}
	for _, sp := range specs {
		if _, err := sp.coll.Indexes().CreateMany(ctx, sp.models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", sp.coll.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// WithTx runs fn in a session transaction. The session travels in ctx, so
// fn must pass the ctx it receives to every store call.
func (s *MongoStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx, s)
	}
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(context.Background())

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, s)
	})
	return err
}

func mongoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	default:
		return err
	}
}

func (s *MongoStore) UpsertUser(ctx context.Context, user User) (User, error) {
	set := bson.M{}
	if user.Name != "" {
		set["name"] = user.Name
	}
	if email := strings.ToLower(strings.TrimSpace(user.Email)); email != "" {
		set["email"] = email
	}
	update := bson.M{"$setOnInsert": bson.M{"createdAt": time.Now().UTC()}}
	if len(set) > 0 {
		update["$set"] = set
	}
	var out User
	err := s.users.FindOneAndUpdate(ctx, bson.M{"_id": user.ID}, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).Decode(&out)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", mongoErr(err))
	}
	return out, nil
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (User, error) {
	var user User
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&user); err != nil {
		return User{}, mongoErr(err)
	}
	return user, nil
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return User{}, ErrNotFound
	}
	var user User
	if err := s.users.FindOne(ctx, bson.M{"email": email}).Decode(&user); err != nil {
		return User{}, mongoErr(err)
	}
	return user, nil
}

func (s *MongoStore) ListUsers(ctx context.Context, ids []string) ([]User, error) {
	out := []User{}
	if len(ids) == 0 {
		return out, nil
	}
	cursor, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return out, nil
}

func (s *MongoStore) InsertBoard(ctx context.Context, board Board) error {
	if _, err := s.boards.InsertOne(ctx, board); err != nil {
		return fmt.Errorf("insert board: %w", mongoErr(err))
	}
	return nil
}

func (s *MongoStore) GetBoard(ctx context.Context, id string) (Board, error) {
	var board Board
	if err := s.boards.FindOne(ctx, bson.M{"_id": id}).Decode(&board); err != nil {
		return Board{}, mongoErr(err)
	}
	return board, nil
}

func (s *MongoStore) UpdateBoardTitle(ctx context.Context, id, title string, at time.Time) error {
	res, err := s.boards.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"title": title, "updatedAt": at}})
	if err != nil {
		return fmt.Errorf("update board: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteBoard(ctx context.Context, id string) error {
	for _, coll := range []*mongo.Collection{s.lists, s.memberships, s.activities} {
		n, err := coll.CountDocuments(ctx, bson.M{"boardId": id}, options.Count().SetLimit(1))
		if err != nil {
			return fmt.Errorf("check %s: %w", coll.Name(), err)
		}
		if n > 0 {
			return fmt.Errorf("%w: board %s still has %s", ErrConstraint, id, coll.Name())
		}
	}
	res, err := s.boards.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListBoardsForUser(ctx context.Context, userID string) ([]BoardSummary, error) {
	var memberships []Membership
	cursor, err := s.memberships.Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	if err := cursor.All(ctx, &memberships); err != nil {
		return nil, fmt.Errorf("decode memberships: %w", err)
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	roles := make(map[string]string, len(memberships))
	ids := make([]string, 0, len(memberships))
	for _, m := range memberships {
		roles[m.BoardID] = m.Role
		ids = append(ids, m.BoardID)
	}

	var boards []Board
	cursor, err = s.boards.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	if err := cursor.All(ctx, &boards); err != nil {
		return nil, fmt.Errorf("decode boards: %w", err)
	}

	out := make([]BoardSummary, 0, len(boards))
	for _, board := range boards {
		out = append(out, BoardSummary{Board: board, Role: roles[board.ID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MongoStore) InsertList(ctx context.Context, list List) error {
	if _, err := s.GetBoard(ctx, list.BoardID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: board %s", ErrConstraint, list.BoardID)
		}
		return err
	}
	if _, err := s.lists.InsertOne(ctx, list); err != nil {
		return fmt.Errorf("insert list: %w", mongoErr(err))
	}
	return nil
}

func (s *MongoStore) GetList(ctx context.Context, id string) (List, error) {
	var list List
	if err := s.lists.FindOne(ctx, bson.M{"_id": id}).Decode(&list); err != nil {
		return List{}, mongoErr(err)
	}
	return list, nil
}

func (s *MongoStore) ListLists(ctx context.Context, boardID string) ([]List, error) {
	var out []List
	cursor, err := s.lists.Find(ctx, bson.M{"boardId": boardID},
		options.Find().SetSort(bson.D{{Key: "position", Value: 1}, {Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list lists: %w", err)
	}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode lists: %w", err)
	}
	return out, nil
}

func (s *MongoStore) UpdateListTitle(ctx context.Context, id, title string, at time.Time) error {
	res, err := s.lists.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"title": title, "updatedAt": at}})
	if err != nil {
		return fmt.Errorf("update list: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteList(ctx context.Context, id string) error {
	n, err := s.tasks.CountDocuments(ctx, bson.M{"listId": id}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("check tasks: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: list %s still has tasks", ErrConstraint, id)
	}
	res, err := s.lists.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteListsByBoard(ctx context.Context, boardID string) (int64, error) {
	n, err := s.tasks.CountDocuments(ctx, bson.M{"boardId": boardID}, options.Count().SetLimit(1))
	if err != nil {
		return 0, fmt.Errorf("check tasks: %w", err)
	}
	if n > 0 {
		return 0, fmt.Errorf("%w: board %s still has tasks", ErrConstraint, boardID)
	}
	res, err := s.lists.DeleteMany(ctx, bson.M{"boardId": boardID})
	if err != nil {
		return 0, fmt.Errorf("delete lists: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) nextPosition(ctx context.Context, coll *mongo.Collection, filter bson.M) (float64, error) {
	var last struct {
		Position float64 `bson:"position"`
	}
	err := coll.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "position", Value: -1}})).Decode(&last)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("next position: %w", err)
	}
	return last.Position + 1, nil
}

func (s *MongoStore) NextListPosition(ctx context.Context, boardID string) (float64, error) {
	return s.nextPosition(ctx, s.lists, bson.M{"boardId": boardID})
}

func (s *MongoStore) checkTaskList(ctx context.Context, task Task) error {
	list, err := s.GetList(ctx, task.ListID)
	if errors.Is(err, ErrNotFound) || (err == nil && list.BoardID != task.BoardID) {
		return fmt.Errorf("%w: list %s is not on board %s", ErrConstraint, task.ListID, task.BoardID)
	}
	return err
}

func (s *MongoStore) InsertTask(ctx context.Context, task Task) error {
	if err := s.checkTaskList(ctx, task); err != nil {
		return err
	}
	if task.Assignees == nil {
		task.Assignees = []string{}
	}
	if _, err := s.tasks.InsertOne(ctx, task); err != nil {
		return fmt.Errorf("insert task: %w", mongoErr(err))
	}
	return nil
}

func (s *MongoStore) GetTask(ctx context.Context, id string) (Task, error) {
	var task Task
	if err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&task); err != nil {
		return Task{}, mongoErr(err)
	}
	if task.Assignees == nil {
		task.Assignees = []string{}
	}
	return task, nil
}

func (s *MongoStore) UpdateTask(ctx context.Context, task Task) error {
	if err := s.checkTaskList(ctx, task); err != nil {
		return err
	}
	if task.Assignees == nil {
		task.Assignees = []string{}
	}
	res, err := s.tasks.ReplaceOne(ctx, bson.M{"_id": task.ID}, task)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.tasks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeleteTasksByList(ctx context.Context, listID string) (int64, error) {
	res, err := s.tasks.DeleteMany(ctx, bson.M{"listId": listID})
	if err != nil {
		return 0, fmt.Errorf("delete tasks by list: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) DeleteTasksByBoard(ctx context.Context, boardID string) (int64, error) {
	res, err := s.tasks.DeleteMany(ctx, bson.M{"boardId": boardID})
	if err != nil {
		return 0, fmt.Errorf("delete tasks by board: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) FindTasks(ctx context.Context, filter TaskFilter) ([]Task, int, error) {
	query := bson.M{}
	if len(filter.BoardIDs) > 0 {
		query["boardId"] = bson.M{"$in": filter.BoardIDs}
	}
	if filter.ListID != "" {
		query["listId"] = filter.ListID
	}
	if filter.Priority != "" {
		query["priority"] = filter.Priority
	}
	if filter.AssigneeID != "" {
		query["assignees"] = filter.AssigneeID
	}
	if text := strings.TrimSpace(filter.Text); text != "" {
		query["$text"] = bson.M{"$search": text}
	}

	total, err := s.tasks.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	opts := options.Find()
	if filter.Sort == SortByUpdatedDesc {
		opts.SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: 1}})
	} else {
		opts.SetSort(bson.D{{Key: "listId", Value: 1}, {Key: "position", Value: 1}, {Key: "createdAt", Value: 1}})
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.tasks.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("find tasks: %w", err)
	}
	out := []Task{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, 0, fmt.Errorf("decode tasks: %w", err)
	}
	for i := range out {
		if out[i].Assignees == nil {
			out[i].Assignees = []string{}
		}
	}
	return out, int(total), nil
}

func (s *MongoStore) NextTaskPosition(ctx context.Context, listID string) (float64, error) {
	return s.nextPosition(ctx, s.tasks, bson.M{"listId": listID})
}

func (s *MongoStore) InsertMembership(ctx context.Context, m Membership) error {
	if _, err := s.GetBoard(ctx, m.BoardID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: board %s", ErrConstraint, m.BoardID)
		}
		return err
	}
	if m.Role == "owner" {
		n, err := s.memberships.CountDocuments(ctx, bson.M{"boardId": m.BoardID, "role": "owner"})
		if err != nil {
			return fmt.Errorf("check owner: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: board %s already has an owner", ErrDuplicate, m.BoardID)
		}
	}
	doc := mongoMembership{ID: m.BoardID + ":" + m.UserID, Membership: m}
	if _, err := s.memberships.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert membership: %w", mongoErr(err))
	}
	return nil
}

func (s *MongoStore) GetMembership(ctx context.Context, boardID, userID string) (Membership, error) {
	var m Membership
	if err := s.memberships.FindOne(ctx, bson.M{"boardId": boardID, "userId": userID}).Decode(&m); err != nil {
		return Membership{}, mongoErr(err)
	}
	return m, nil
}

func (s *MongoStore) ListMemberships(ctx context.Context, boardID string) ([]Membership, error) {
	var out []Membership
	cursor, err := s.memberships.Find(ctx, bson.M{"boardId": boardID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "userId", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode memberships: %w", err)
	}
	return out, nil
}

func (s *MongoStore) CountMemberships(ctx context.Context, boardID string, userIDs []string) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	n, err := s.memberships.CountDocuments(ctx, bson.M{"boardId": boardID, "userId": bson.M{"$in": userIDs}})
	if err != nil {
		return 0, fmt.Errorf("count memberships: %w", err)
	}
	return int(n), nil
}

func (s *MongoStore) DeleteMembershipsByBoard(ctx context.Context, boardID string) (int64, error) {
	res, err := s.memberships.DeleteMany(ctx, bson.M{"boardId": boardID})
	if err != nil {
		return 0, fmt.Errorf("delete memberships: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) AppendActivity(ctx context.Context, activity Activity) (Activity, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "activities"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return Activity{}, fmt.Errorf("next activity seq: %w", err)
	}
	activity.Seq = counter.Seq
	if activity.Metadata == nil {
		activity.Metadata = map[string]string{}
	}
	if _, err := s.activities.InsertOne(ctx, activity); err != nil {
		return Activity{}, fmt.Errorf("insert activity: %w", mongoErr(err))
	}
	return activity, nil
}

func (s *MongoStore) ListActivities(ctx context.Context, boardID string, offset, limit int) ([]Activity, int, error) {
	filter := bson.M{"boardId": boardID}
	total, err := s.activities.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count activities: %w", err)
	}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.activities.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list activities: %w", err)
	}
	out := []Activity{}
	if err := cursor.All(ctx, &out); err != nil {
		return nil, 0, fmt.Errorf("decode activities: %w", err)
	}
	return out, int(total), nil
}

func (s *MongoStore) DeleteActivitiesByBoard(ctx context.Context, boardID string) (int64, error) {
	res, err := s.activities.DeleteMany(ctx, bson.M{"boardId": boardID})
	if err != nil {
		return 0, fmt.Errorf("delete activities: %w", err)
	}
	return res.DeletedCount, nil
}
