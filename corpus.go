package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-json-experiment/json"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TextRecord is one raw corpus entry. Label is optional and only used to
// train the reward classifier.
type TextRecord struct {
	Text  string
	Label string
}

// CorpusSource yields the raw records of a corpus addressed by name.
type CorpusSource interface {
	Name() string
	Records(ctx context.Context) ([]TextRecord, error)
}

// OpenCorpus resolves a corpus name to a source. Accepted forms:
//
//	dir:/path or an existing directory   every *.txt file is one text
//	/path/file.jsonl, gs://b/file.jsonl  one {"text":…,"label":…} per line
//	gs://bucket/prefix                   every object is one text
//	mongodb://host/?db=D&collection=C&field=text&label=label
//
// Nothing is read until Records is called.
func OpenCorpus(name string) (CorpusSource, error) {
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: empty corpus name", ErrCorpusUnavailable)
	case strings.HasPrefix(name, "mongodb://"), strings.HasPrefix(name, "mongodb+srv://"):
		return newMongoCorpus(name)
	case strings.HasSuffix(name, ".jsonl"):
		return &jsonlCorpus{path: name}, nil
	case isGCSPath(name):
		return &gcsCorpus{path: name}, nil
	case strings.HasPrefix(name, "dir:"):
		return &dirCorpus{dir: strings.TrimPrefix(name, "dir:")}, nil
	}
	if info, err := os.Stat(name); err == nil && info.IsDir() {
		return &dirCorpus{dir: name}, nil
	}
	return nil, fmt.Errorf("%w: cannot resolve %q", ErrCorpusUnavailable, name)
}

// MemoryCorpus is an in-memory source.
type MemoryCorpus struct {
	Items []TextRecord
}

// NewMemoryCorpus creates an unlabelled in-memory corpus.
func NewMemoryCorpus(texts ...string) *MemoryCorpus {
	recs := make([]TextRecord, len(texts))
	for i, t := range texts {
		recs[i] = TextRecord{Text: t}
	}
	return &MemoryCorpus{Items: recs}
}

func (c *MemoryCorpus) Name() string { return "memory" }

func (c *MemoryCorpus) Records(context.Context) ([]TextRecord, error) {
	return append([]TextRecord(nil), c.Items...), nil
}

type dirCorpus struct {
	dir string
}

func (c *dirCorpus) Name() string { return "dir:" + c.dir }

func (c *dirCorpus) Records(ctx context.Context) ([]TextRecord, error) {
	paths, err := filepath.Glob(filepath.Join(c.dir, "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorpusUnavailable, c.dir, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no .txt files in %s", ErrCorpusUnavailable, c.dir)
	}
	sort.Strings(paths)

	recs := make([]TextRecord, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorpusUnavailable, err)
		}
		recs = append(recs, TextRecord{Text: string(data)})
	}
	return recs, nil
}

type jsonlCorpus struct {
	path string
}

func (c *jsonlCorpus) Name() string { return c.path }

func (c *jsonlCorpus) Records(ctx context.Context) ([]TextRecord, error) {
	r, err := OpenReader(ctx, c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorpusUnavailable, err)
	}
	defer r.Close()

	recs, err := readJSONL(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorpusUnavailable, c.path, err)
	}
	return recs, nil
}

// jsonlLine is the on-disk shape. Labels may be names or class indices.
type jsonlLine struct {
	Text  string `json:"text"`
	Label any    `json:"label,omitempty"`
}

func readJSONL(r io.Reader) ([]TextRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var recs []TextRecord
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseRecord(data []byte) (TextRecord, error) {
	var line jsonlLine
	if err := json.Unmarshal(data, &line); err != nil {
		return TextRecord{}, err
	}
	return TextRecord{Text: line.Text, Label: labelString(line.Label)}, nil
}

func labelString(v any) string {
	switch l := v.(type) {
	case nil:
		return ""
	case string:
		return l
	case float64:
		return strconv.FormatFloat(l, 'f', -1, 64)
	case int32:
		return strconv.Itoa(int(l))
	case int64:
		return strconv.FormatInt(l, 10)
	case bool:
		if l {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(l)
	}
}

// gcsCorpus reads every object under a prefix. Objects ending in .jsonl
// are parsed line by line; anything else is one raw text.
type gcsCorpus struct {
	path string
}

func (c *gcsCorpus) Name() string { return c.path }

func (c *gcsCorpus) Records(ctx context.Context) ([]TextRecord, error) {
	var recs []TextRecord
	err := readGCSPrefix(ctx, c.path, func(name string, data []byte) error {
		if strings.HasSuffix(name, ".jsonl") {
			more, err := readJSONL(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			recs = append(recs, more...)
			return nil
		}
		recs = append(recs, TextRecord{Text: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorpusUnavailable, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no objects under %s", ErrCorpusUnavailable, c.path)
	}
	return recs, nil
}

// mongoCorpus reads one string field (and an optional label field) from
// every document of a collection.
type mongoCorpus struct {
	uri        string
	database   string
	collection string
	textField  string
	labelField string
}

// corpus-specific query parameters, removed before the URI reaches the
// driver.
var mongoCorpusParams = []string{"db", "collection", "field", "label"}

func newMongoCorpus(name string) (*mongoCorpus, error) {
	u, err := url.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorpusUnavailable, err)
	}
	q := u.Query()
	c := &mongoCorpus{
		database:   q.Get("db"),
		collection: q.Get("collection"),
		textField:  q.Get("field"),
		labelField: q.Get("label"),
	}
	if c.textField == "" {
		c.textField = "text"
	}
	if c.database == "" || c.collection == "" {
		return nil, fmt.Errorf("%w: %s needs db and collection parameters", ErrCorpusUnavailable, name)
	}
	for _, p := range mongoCorpusParams {
		q.Del(p)
	}
	u.RawQuery = q.Encode()
	c.uri = u.String()
	return c, nil
}

func (c *mongoCorpus) Name() string {
	return "mongodb:" + c.database + "." + c.collection
}

func (c *mongoCorpus) Records(ctx context.Context) ([]TextRecord, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrCorpusUnavailable, err)
	}
	defer client.Disconnect(context.Background())

	projection := bson.M{c.textField: 1}
	if c.labelField != "" {
		projection[c.labelField] = 1
	}
	coll := client.Database(c.database).Collection(c.collection)
	cursor, err := coll.Find(ctx, bson.M{}, options.Find().SetProjection(projection))
	if err != nil {
		return nil, fmt.Errorf("%w: find: %v", ErrCorpusUnavailable, err)
	}
	defer cursor.Close(ctx)

	var recs []TextRecord
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode: %v", ErrCorpusUnavailable, err)
		}
		text, ok := doc[c.textField].(string)
		if !ok {
			continue
		}
		rec := TextRecord{Text: text}
		if c.labelField != "" {
			rec.Label = labelString(doc[c.labelField])
		}
		recs = append(recs, rec)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%w: cursor: %v", ErrCorpusUnavailable, err)
	}
	return recs, nil
}
