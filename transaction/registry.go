package transaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"

	"github.com/ndlib/dyntx/item"
	"github.com/ndlib/dyntx/optlock"
	"github.com/ndlib/dyntx/store"
)

// DefaultImageTable is the table images are saved in unless the Registry
// says otherwise.
const DefaultImageTable = "TransactionImages"

// A Registry makes Participants and knows where their images are kept.
// Set the fields before making any Participants.
type Registry struct {
	// Store holds the image table. It need not be the store holding the
	// items.
	Store store.Store

	// ImageTable is the name of the table holding images. Its hash key is
	// "tx_id" and its range key is "image_id", both strings.
	ImageTable string

	// Clock gives the lock and image timestamps.
	Clock clock.Clock
}

// NewRegistry returns a Registry keeping images in s, in the default image
// table, and using the system clock.
func NewRegistry(s store.Store) *Registry {
	return &Registry{
		Store:      s,
		ImageTable: DefaultImageTable,
		Clock:      clock.New(),
	}
}

// ImageSchema returns the schema of the image table.
func (r *Registry) ImageSchema() store.Schema {
	return store.Schema{
		Table:    r.ImageTable,
		HashKey:  store.KeyAttribute{Name: "tx_id", Type: "S"},
		RangeKey: &store.KeyAttribute{Name: "image_id", Type: "S"},
	}
}

// Provision creates the image table if the store can create tables.
func (r *Registry) Provision(ctx context.Context) error {
	p, ok := r.Store.(store.Provisioner)
	if !ok {
		return nil
	}
	return p.CreateTable(ctx, r.ImageSchema())
}

// ImageID returns the id identifying the image of the referenced item. It is
// the table name, an underscore, and the hex SHA-256 of the key encoded as a
// JSON list of [name, value] pairs sorted by name.
func ImageID(ref *item.Ref) (string, error) {
	key := ref.Key()
	var names []string
	for name := range key {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([][2]interface{}, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, [2]interface{}{name, key[name]})
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "", errors.Wrapf(err, "image id for %s", ref)
	}
	sum := sha256.Sum256(b)
	return ref.Table() + "_" + hex.EncodeToString(sum[:]), nil
}

// imageRef is the location of the image with the given id.
func (r *Registry) imageRef(txID, imageID string) *item.Ref {
	return item.NewRef(r.Store, r.ImageTable, store.Item{
		"tx_id":    txID,
		"image_id": imageID,
	})
}

// Participant returns a Participant which will make the given change to the
// referenced item as part of transaction txID. The parameters are checked
// now, so a participant which is returned never writes reserved attributes.
func (r *Registry) Participant(txID string, ref *item.Ref, op Op, params Params) (*Participant, error) {
	if txID == "" {
		return nil, errors.New("transaction id is empty")
	}
	if err := checkParams(params); err != nil {
		return nil, err
	}
	imageID, err := ImageID(ref)
	if err != nil {
		return nil, err
	}
	return &Participant{
		txID:      txID,
		op:        op,
		params:    params,
		imageID:   imageID,
		itemLock:  optlock.New(ref),
		imageLock: optlock.New(r.imageRef(txID, imageID)),
		clock:     r.Clock,
	}, nil
}

// An Image is an item as it was before a transaction locked it.
type Image struct {
	TxID      string
	ImageID   string
	Item      store.Item
	CreatedAt time.Time
}

// Image returns the image the given transaction saved for the referenced
// item. It returns nil if there is none.
func (r *Registry) Image(ctx context.Context, txID string, ref *item.Ref) (*Image, error) {
	imageID, err := ImageID(ref)
	if err != nil {
		return nil, err
	}
	record, err := r.imageRef(txID, imageID).Get(ctx, &store.GetInput{ConsistentRead: true})
	if err != nil || record == nil {
		return nil, err
	}
	return decodeImage(txID, imageID, record)
}

func decodeImage(txID, imageID string, record store.Item) (*Image, error) {
	snapshot, ok := record["image"].(map[string]interface{})
	if !ok {
		return nil, errors.Wrapf(ErrInternalConsistency, "image %s/%s has no snapshot", txID, imageID)
	}
	img := &Image{
		TxID:    txID,
		ImageID: imageID,
		Item:    store.Item(snapshot),
	}
	s, ok := record["created_at"].(string)
	if !ok {
		return nil, errors.Wrapf(ErrInternalConsistency, "image %s/%s has no created_at", txID, imageID)
	}
	created, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, errors.Wrapf(ErrInternalConsistency, "image %s/%s created_at %q: %v", txID, imageID, s, err)
	}
	img.CreatedAt = created
	return img, nil
}
