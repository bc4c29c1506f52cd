package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/rl1809/order-placement/internal/core/domain"
	"github.com/rl1809/order-placement/internal/port"
)

const (
	mongoWriteConflict       = 112
	labelTransientTxn        = "TransientTransactionError"
	labelUnknownCommitResult = "UnknownTransactionCommitResult"
	defaultCommitRetries     = 3
)

type productDoc struct {
	ID       any           `bson:"_id"`
	Name     string        `bson:"name"`
	Price    bson.RawValue `bson:"price"`
	Quantity bson.RawValue `bson:"quantity"`
}

type addressDoc struct {
	City    string `bson:"city"`
	Country string `bson:"country"`
	ZipCode string `bson:"zipCode"`
}

type orderLineDoc struct {
	ProductID string               `bson:"productId"`
	Name      string               `bson:"name"`
	Quantity  int                  `bson:"quantity"`
	UnitPrice primitive.Decimal128 `bson:"unitPrice"`
	LineTotal primitive.Decimal128 `bson:"lineTotal"`
}

type orderDoc struct {
	ID          string               `bson:"_id"`
	Address     addressDoc           `bson:"address"`
	Products    []orderLineDoc       `bson:"products"`
	TotalAmount primitive.Decimal128 `bson:"totalAmount"`
	CreatedAt   time.Time            `bson:"created_at"`
}

// MongoAdapter needs a replica set or sharded cluster; standalone servers do not
// support multi-document transactions.
type MongoAdapter struct {
	client        *mongo.Client
	products      *mongo.Collection
	orders        *mongo.Collection
	commitRetries int
}

func NewMongoAdapter(client *mongo.Client, db *mongo.Database) *MongoAdapter {
	return &MongoAdapter{
		client:        client,
		products:      db.Collection("products"),
		orders:        db.Collection("orders"),
		commitRetries: defaultCommitRetries,
	}
}

func (m *MongoAdapter) EnsureIndexes(ctx context.Context) error {
	_, err := m.orders.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: -1}},
		Options: options.Index().SetName("orders_created_at"),
	})
	if err != nil {
		return fmt.Errorf("create orders index: %w", err)
	}
	return nil
}

func (m *MongoAdapter) FetchByIDs(ctx context.Context, ids []string) ([]domain.ProductSnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = productKey(id)
	}

	cursor, err := m.products.Find(ctx, bson.M{"_id": bson.M{"$in": keys}},
		options.Find().SetProjection(bson.M{"name": 1, "price": 1, "quantity": 1}))
	if err != nil {
		return nil, fmt.Errorf("find products: %w", classifyMongo(err))
	}

	var docs []productDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode products: %w", classifyMongo(err))
	}

	out := make([]domain.ProductSnapshot, 0, len(docs))
	for _, d := range docs {
		snap, err := d.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (m *MongoAdapter) WithTransaction(ctx context.Context, opts port.TxOptions, fn func(ctx context.Context, s port.Session) error) error {
	sess, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	txOpts := options.Transaction().
		SetReadConcern(mongoReadConcern(opts.Isolation)).
		SetWriteConcern(mongoWriteConcern(opts.WriteConcern)).
		SetReadPreference(readpref.Primary())
	if err := sess.StartTransaction(txOpts); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}

	sc := mongo.NewSessionContext(ctx, sess)
	if err := fn(sc, &mongoSession{adapter: m}); err != nil {
		m.abort(ctx, sess)
		return classifyMongo(err)
	}

	if err := m.commit(sc, sess); err != nil {
		m.abort(ctx, sess)
		return fmt.Errorf("commit: %w", classifyMongo(err))
	}
	return nil
}

// commit retries only the commit command when its outcome is unknown; the
// server deduplicates repeated commits of the same transaction.
func (m *MongoAdapter) commit(ctx context.Context, sess mongo.Session) error {
	var err error
	for i := 0; i <= m.commitRetries; i++ {
		err = sess.CommitTransaction(ctx)
		if err == nil || !hasLabel(err, labelUnknownCommitResult) {
			return err
		}
	}
	return err
}

func (m *MongoAdapter) abort(ctx context.Context, sess mongo.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	_ = sess.AbortTransaction(ctx)
}

func (m *MongoAdapter) GetProduct(ctx context.Context, id string) (*domain.ProductSnapshot, error) {
	rows, err := m.FetchByIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (m *MongoAdapter) UpsertProduct(ctx context.Context, p domain.ProductSnapshot) error {
	price, err := toDecimal128(p.UnitPrice)
	if err != nil {
		return err
	}
	_, err = m.products.UpdateOne(ctx,
		bson.M{"_id": productKey(p.ProductID)},
		bson.M{"$set": bson.M{"name": p.Name, "price": price, "quantity": p.AvailableQuantity}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (m *MongoAdapter) CountOrderLines(ctx context.Context, productID string) (int, error) {
	n, err := m.orders.CountDocuments(ctx, bson.M{"products.productId": productID})
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return int(n), nil
}

type mongoSession struct {
	adapter *MongoAdapter
}

func (s *mongoSession) FetchByIDs(ctx context.Context, ids []string) ([]domain.ProductSnapshot, error) {
	return s.adapter.FetchByIDs(ctx, ids)
}

// BulkDecrement applies every conditional $inc in one ordered bulk write. A
// line whose filter no longer matches means another writer got there first.
func (s *mongoSession) BulkDecrement(ctx context.Context, lines []domain.OrderLine) error {
	models := make([]mongo.WriteModel, 0, len(lines))
	for _, l := range lines {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": productKey(l.ProductID), "quantity": bson.M{"$gte": l.Quantity}}).
			SetUpdate(bson.M{"$inc": bson.M{"quantity": -l.Quantity}}))
	}

	res, err := s.adapter.products.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return fmt.Errorf("decrement stock: %w", classifyMongo(err))
	}
	if res.MatchedCount != int64(len(lines)) {
		return fmt.Errorf("%w: matched %d of %d stock rows", port.ErrTxConflict, res.MatchedCount, len(lines))
	}
	return nil
}

func (s *mongoSession) InsertOrder(ctx context.Context, order domain.OrderRecord) error {
	doc, err := newOrderDoc(order)
	if err != nil {
		return err
	}
	if _, err := s.adapter.orders.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert order: %w", classifyMongo(err))
	}
	return nil
}

func newOrderDoc(order domain.OrderRecord) (orderDoc, error) {
	total, err := toDecimal128(order.TotalAmount)
	if err != nil {
		return orderDoc{}, err
	}
	doc := orderDoc{
		ID: order.ID,
		Address: addressDoc{
			City:    order.Address.City,
			Country: order.Address.Country,
			ZipCode: order.Address.PostalCode,
		},
		Products:    make([]orderLineDoc, 0, len(order.Lines)),
		TotalAmount: total,
		CreatedAt:   order.CreatedAt,
	}
	for _, l := range order.Lines {
		unit, err := toDecimal128(l.UnitPrice)
		if err != nil {
			return orderDoc{}, err
		}
		lineTotal, err := toDecimal128(l.LineTotal)
		if err != nil {
			return orderDoc{}, err
		}
		doc.Products = append(doc.Products, orderLineDoc{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: unit,
			LineTotal: lineTotal,
		})
	}
	return doc, nil
}

func (d productDoc) snapshot() (domain.ProductSnapshot, error) {
	id := idString(d.ID)
	price, err := decimalFromRaw(d.Price)
	if err != nil {
		return domain.ProductSnapshot{}, fmt.Errorf("product %s price: %w", id, err)
	}
	qty, err := intFromRaw(d.Quantity)
	if err != nil {
		return domain.ProductSnapshot{}, fmt.Errorf("product %s quantity: %w", id, err)
	}
	return domain.ProductSnapshot{
		ProductID:         id,
		Name:              d.Name,
		UnitPrice:         price,
		AvailableQuantity: qty,
	}, nil
}

// productKey stores hex ids as ObjectIDs so catalogs seeded by other tools
// still match.
func productKey(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}

func idString(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	default:
		return fmt.Sprint(id)
	}
}

func decimalFromRaw(rv bson.RawValue) (decimal.Decimal, error) {
	switch rv.Type {
	case bsontype.Double:
		return decimal.NewFromFloat(rv.Double()), nil
	case bsontype.Int32:
		return decimal.NewFromInt(int64(rv.Int32())), nil
	case bsontype.Int64:
		return decimal.NewFromInt(rv.Int64()), nil
	case bsontype.Decimal128:
		return decimal.NewFromString(rv.Decimal128().String())
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported bson type %s", rv.Type)
	}
}

func intFromRaw(rv bson.RawValue) (int, error) {
	switch rv.Type {
	case bsontype.Int32:
		return int(rv.Int32()), nil
	case bsontype.Int64:
		return int(rv.Int64()), nil
	case bsontype.Double:
		f := rv.Double()
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("non-integral value %v", f)
		}
		return int(f), nil
	default:
		return 0, fmt.Errorf("unsupported bson type %s", rv.Type)
	}
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("convert %s to decimal128: %w", d, err)
	}
	return v, nil
}

func mongoReadConcern(i port.Isolation) *readconcern.ReadConcern {
	switch i {
	case port.IsolationSnapshot, port.IsolationSerializable:
		return readconcern.Snapshot()
	default:
		return readconcern.Majority()
	}
}

func mongoWriteConcern(w port.WriteConcern) *writeconcern.WriteConcern {
	if w == port.WriteConcernPrimary {
		return writeconcern.W1()
	}
	return writeconcern.Majority()
}

func hasLabel(err error, label string) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorLabel(label)
}

func classifyMongo(err error) error {
	if err == nil {
		return nil
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel(labelTransientTxn) || se.HasErrorCode(mongoWriteConflict)) {
		return fmt.Errorf("%w: %v", port.ErrTxConflict, err)
	}
	return err
}
