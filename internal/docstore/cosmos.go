package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
)

// CosmosContainerAPI is the subset of the Cosmos DB container client the
// engine uses.
type CosmosContainerAPI interface {
	Read(ctx context.Context, o *azcosmos.ReadContainerOptions) (azcosmos.ContainerResponse, error)
	CreateItem(ctx context.Context, pk azcosmos.PartitionKey, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	ReplaceItem(ctx context.Context, pk azcosmos.PartitionKey, itemID string, item []byte, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	DeleteItem(ctx context.Context, pk azcosmos.PartitionKey, itemID string, o *azcosmos.ItemOptions) (azcosmos.ItemResponse, error)
	NewQueryItemsPager(query string, pk azcosmos.PartitionKey, o *azcosmos.QueryOptions) *runtime.Pager[azcosmos.QueryItemsResponse]
}

// CosmosOptions configures the Cosmos DB engine. The container must be
// partitioned on /pk.
type CosmosOptions struct {
	Endpoint  string
	MasterKey string
	Database  string
	Container string
}

// CosmosDatabase keeps each collection in its own logical partition of one
// container. Items carry the CBOR body and a JSON projection ("f") that SQL
// queries filter and order on.
type CosmosDatabase struct {
	client CosmosContainerAPI
}

// cosmosItem is the stored shape of a document.
type cosmosItem struct {
	ID     string         `json:"id"`
	PK     string         `json:"pk"`
	Fields map[string]any `json:"f"`
	Body   []byte         `json:"body"`
	ETag   string         `json:"_etag,omitempty"`
}

// OpenCosmos connects with a master key.
func OpenCosmos(opts CosmosOptions) (*CosmosDatabase, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if opts.Database == "" || opts.Container == "" {
		return nil, fmt.Errorf("cosmos database and container names are required")
	}
	cred, err := azcosmos.NewKeyCredential(opts.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(opts.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}
	container, err := client.NewContainer(opts.Database, opts.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}
	return NewCosmosDatabase(container), nil
}

// NewCosmosDatabase wraps an existing container client. Tests pass a mock.
func NewCosmosDatabase(client CosmosContainerAPI) *CosmosDatabase {
	return &CosmosDatabase{client: client}
}

func (d *CosmosDatabase) Collection(name string, opts CollectionOptions) Collection {
	return &CosmosCollection{d: d, name: name, opts: opts}
}

func (d *CosmosDatabase) Ping(ctx context.Context) error {
	_, err := d.client.Read(ctx, nil)
	return err
}

func (d *CosmosDatabase) Close() error { return nil }

// CosmosCollection is a handle on one partition.
type CosmosCollection struct {
	d    *CosmosDatabase
	name string
	opts CollectionOptions
}

func (c *CosmosCollection) Name() string { return c.name }

func (c *CosmosCollection) Clone(opts CollectionOptions) Collection {
	return &CosmosCollection{d: c.d, name: c.name, opts: opts}
}

func (c *CosmosCollection) pk() azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(c.name)
}

func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func (c *CosmosCollection) marshalItem(doc Document) ([]byte, error) {
	body, err := encodeBody(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return json.Marshal(cosmosItem{
		ID:     doc.ID(),
		PK:     c.name,
		Fields: Project(doc),
		Body:   body,
	})
}

func (c *CosmosCollection) InsertOne(ctx context.Context, sess Session, doc Document) (string, error) {
	stored, err := prepareInsert(doc)
	if err != nil {
		return "", err
	}
	data, err := c.marshalItem(stored)
	if err != nil {
		return "", err
	}
	if _, err := c.d.client.CreateItem(ctx, c.pk(), data, nil); err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return "", fmt.Errorf("%w: _id %q", ErrDuplicateKey, stored.ID())
		}
		return "", fmt.Errorf("creating item: %w", err)
	}
	return stored.ID(), nil
}

// cosmosPath renders a dotted field path against the projection.
func cosmosPath(field string) string {
	var b strings.Builder
	b.WriteString("c.f")
	for _, part := range splitPath(field) {
		enc, _ := json.Marshal(part)
		b.WriteString("[")
		b.Write(enc)
		b.WriteString("]")
	}
	return b.String()
}

var cosmosOps = map[Op]string{
	OpEq: "=", "": "=", OpNe: "!=", OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<=",
}

// cosmosQuery builds the SQL text for filter. pushed is false when some
// condition could not be expressed; ordering and paging are then applied in
// Go.
func (c *CosmosCollection) cosmosQuery(filter Filter, opts *FindOptions) (string, []azcosmos.QueryParameter, bool) {
	var where []string
	var params []azcosmos.QueryParameter
	pushed := true
	for i, cond := range filter {
		path := cosmosPath(cond.Field)
		if cond.Value == nil {
			switch cond.Op {
			case OpEq, "":
				where = append(where, "(NOT IS_DEFINED("+path+") OR IS_NULL("+path+"))")
			case OpNe:
				where = append(where, "(IS_DEFINED("+path+") AND NOT IS_NULL("+path+"))")
			default:
				where = append(where, "false")
			}
			continue
		}
		p, ok := sqlParam(cond.Value)
		if !ok {
			pushed = false
			continue
		}
		if b, isBool := cond.Value.(bool); isBool {
			p = b
		}
		name := fmt.Sprintf("@p%d", i)
		if cond.Op == OpNe {
			where = append(where, fmt.Sprintf("(NOT IS_DEFINED(%s) OR %s != %s)", path, path, name))
		} else {
			where = append(where, fmt.Sprintf("%s %s %s", path, cosmosOps[cond.Op], name))
		}
		params = append(params, azcosmos.QueryParameter{Name: name, Value: p})
	}

	query := "SELECT c.id, c.body, c._etag FROM c"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if !pushed || opts == nil {
		return query, params, pushed
	}
	if len(opts.Sort) > 0 {
		var order []string
		for _, k := range opts.Sort {
			dir := "ASC"
			if k.Desc {
				dir = "DESC"
			}
			order = append(order, cosmosPath(k.Field)+" "+dir)
		}
		query += " ORDER BY " + strings.Join(order, ", ")
	}
	if opts.Skip > 0 || opts.Limit > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = 1 << 31
		}
		query += " OFFSET @skip LIMIT @limit"
		params = append(params,
			azcosmos.QueryParameter{Name: "@skip", Value: opts.Skip},
			azcosmos.QueryParameter{Name: "@limit", Value: limit})
	}
	return query, params, pushed
}

// items runs a query and returns the decoded documents that match filter,
// along with their etags.
func (c *CosmosCollection) items(ctx context.Context, filter Filter, opts *FindOptions) ([]Document, []string, bool, error) {
	query, params, pushed := c.cosmosQuery(filter, opts)
	qopts := &azcosmos.QueryOptions{QueryParameters: params}
	if opts != nil && opts.BatchSize > 0 {
		qopts.PageSizeHint = opts.BatchSize
	}
	pager := c.d.client.NewQueryItemsPager(query, c.pk(), qopts)

	var docs []Document
	var etags []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, nil, false, fmt.Errorf("querying %s: %w", c.name, err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, nil, false, fmt.Errorf("unmarshaling item: %w", err)
			}
			doc, err := decodeBody(item.Body)
			if err != nil {
				return nil, nil, false, err
			}
			if !Matches(doc, filter) {
				continue
			}
			docs = append(docs, doc)
			etags = append(etags, item.ETag)
		}
	}
	return docs, etags, pushed, nil
}

func (c *CosmosCollection) Find(ctx context.Context, sess Session, filter Filter, opts *FindOptions) (Cursor, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	docs, _, pushed, err := c.items(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	if !pushed {
		docs = evaluate(docs, nil, opts)
	}
	return NewSliceCursor(docs), nil
}

func (c *CosmosCollection) deleteIDs(ctx context.Context, docs []Document) (int64, error) {
	var n int64
	for _, d := range docs {
		_, err := c.d.client.DeleteItem(ctx, c.pk(), d.ID(), nil)
		if err != nil {
			if cosmosStatus(err) == http.StatusNotFound {
				continue
			}
			return n, fmt.Errorf("deleting item: %w", err)
		}
		n++
	}
	return n, nil
}

func (c *CosmosCollection) DeleteMany(ctx context.Context, sess Session, filter Filter) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	docs, _, _, err := c.items(ctx, filter, nil)
	if err != nil {
		return 0, err
	}
	return c.deleteIDs(ctx, docs)
}

func (c *CosmosCollection) UpdateOne(ctx context.Context, sess Session, filter Filter, update Update) (int64, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	if err := checkDocument(update.Set); err != nil {
		return 0, err
	}
	if _, ok := update.Set[IDField]; ok {
		return 0, fmt.Errorf("docstore: _id cannot be updated")
	}
	docs, etags, _, err := c.items(ctx, filter, nil)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	doc := docs[0]
	for k, v := range update.Set {
		setPath(doc, k, normalizeValue(cloneValue(v)))
	}
	data, err := c.marshalItem(doc)
	if err != nil {
		return 0, err
	}
	var iopts *azcosmos.ItemOptions
	if etags[0] != "" {
		etag := azcore.ETag(etags[0])
		iopts = &azcosmos.ItemOptions{IfMatchEtag: &etag}
	}
	if _, err := c.d.client.ReplaceItem(ctx, c.pk(), doc.ID(), data, iopts); err != nil {
		switch cosmosStatus(err) {
		case http.StatusNotFound, http.StatusPreconditionFailed:
			return 0, nil
		}
		return 0, fmt.Errorf("replacing item: %w", err)
	}
	return 1, nil
}

// Drop deletes every item in the collection's partition.
func (c *CosmosCollection) Drop(ctx context.Context, sess Session) error {
	docs, _, _, err := c.items(ctx, nil, nil)
	if err != nil {
		return err
	}
	_, err = c.deleteIDs(ctx, docs)
	return err
}

var (
	_ Collection         = (*CosmosCollection)(nil)
	_ Dropper            = (*CosmosCollection)(nil)
	_ Database           = (*CosmosDatabase)(nil)
	_ CosmosContainerAPI = (*azcosmos.ContainerClient)(nil)
)
