package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphloader/internal/cache"
	"github.com/hanpama/graphloader/internal/executor"
	language "github.com/hanpama/graphloader/internal/language"
	"github.com/hanpama/graphloader/internal/loader"
	"github.com/hanpama/graphloader/internal/registry"
)

const booksSDL = `
	type Query {
		books: [Book!]!
		book(id: ID!): Book
	}
	type Mutation {
		renameBook(id: ID!, title: String!): Book
	}
	type Book @key(fields: "id") {
		id: ID!
		title: String!
		weight: Int
		author: Author
	}
	type Author @key(fields: "id") {
		id: ID!
		name: String!
	}
`

const reviewsSDL = `
	type Query {
		topReview: Review
	}
	type Review {
		body: String!
		book: Book
	}
	extend type Book @key(fields: "id") {
		id: ID! @external
		weight: Int @external
		reviews: [Review!]
		shippingEstimate: Int @requires(fields: "weight")
	}
`

type bookRow struct {
	ID       string `json:"id"`
	Title    string
	Weight   int
	AuthorID string `json:"authorId"`
}

func mustSubgraph(t *testing.T, name, sdl string) *Subgraph {
	t.Helper()
	sg, err := ParseSubgraph(name, sdl)
	require.NoError(t, err)
	return sg
}

func booksService(t *testing.T) *Service {
	t.Helper()
	rows := map[string]*bookRow{
		"1": {ID: "1", Title: "Dune", Weight: 300, AuthorID: "a1"},
		"2": {ID: "2", Title: "Emma", Weight: 250, AuthorID: "a2"},
	}
	names := map[string]string{"a1": "Herbert", "a2": "Austen"}

	sub := mustSubgraph(t, "books", booksSDL)
	l := loader.New(nil)
	l.Register("Book", func(_ context.Context, keys []loader.Key) ([]any, error) {
		out := make([]any, len(keys))
		for i, k := range keys {
			if r, ok := rows[k.ID]; ok {
				out[i] = r
			} else {
				out[i] = loader.NotFound
			}
		}
		return out, nil
	}, loader.CachePolicy{})
	l.Register("Author", func(_ context.Context, keys []loader.Key) ([]any, error) {
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = map[string]any{"id": k.ID, "name": names[k.ID]}
		}
		return out, nil
	}, loader.CachePolicy{})

	reg := registry.New(sub.Schema())
	reg.Field("Query", "books", func(context.Context, *executor.FieldRequest) (any, error) {
		return []*bookRow{rows["1"], rows["2"]}, nil
	})
	reg.Field("Query", "book", registry.LoadArg("Book", "id"))
	reg.Field("Mutation", "renameBook", func(_ context.Context, req *executor.FieldRequest) (any, error) {
		r := *rows[req.Args["id"].(string)]
		r.Title = req.Args["title"].(string)
		return &r, nil
	})
	reg.Field("Book", "author", registry.LoadProperty("Author", "authorId"))

	svc := NewService(sub, reg, l)
	svc.Entity("Book", LoadEntity("Book", "id"))
	svc.Entity("Author", LoadEntity("Author", "id"))
	return svc
}

func reviewsService(t *testing.T) *Service {
	t.Helper()
	reviews := map[string][]map[string]any{
		"1": {{"body": "Epic", "bookId": "1"}},
		"2": {{"body": "Witty", "bookId": "2"}, {"body": "Sharp", "bookId": "2"}},
	}
	sub := mustSubgraph(t, "reviews", reviewsSDL)
	reg := registry.New(sub.Schema())
	reg.Field("Query", "topReview", func(context.Context, *executor.FieldRequest) (any, error) {
		return reviews["2"][0], nil
	})
	reg.Field("Review", "book", func(_ context.Context, req *executor.FieldRequest) (any, error) {
		id, _ := registry.Property(req.Source, "bookId")
		return map[string]any{"id": id}, nil
	})
	reg.Field("Book", "reviews", func(_ context.Context, req *executor.FieldRequest) (any, error) {
		id, _ := registry.Property(req.Source, "id")
		if id == "3" {
			return nil, registry.Errorf("FORBIDDEN", "reviews of %v are hidden", id)
		}
		return reviews[id.(string)], nil
	})
	reg.Field("Book", "shippingEstimate", func(_ context.Context, req *executor.FieldRequest) (any, error) {
		w, _ := registry.Property(req.Source, "weight")
		f, _ := w.(float64)
		return int(f) / 100, nil
	})
	return NewService(sub, reg, loader.New(nil))
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) sorted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.calls...)
	sort.Strings(out)
	return out
}

type recordingClient struct {
	Client
	name string
	rec  *recorder
	fail error
}

func (c recordingClient) FetchEntities(ctx context.Context, reps []Representation, fields []string) ([]Entity, error) {
	c.rec.add(fmt.Sprintf("%s entities %s x%d", c.name, reps[0].Typename, len(reps)))
	if c.fail != nil {
		return nil, c.fail
	}
	return c.Client.FetchEntities(ctx, reps, fields)
}

func (c recordingClient) FetchRoot(ctx context.Context, op language.Operation, calls []RootCall) ([]Entity, error) {
	c.rec.add(fmt.Sprintf("%s root %s x%d", c.name, op, len(calls)))
	if c.fail != nil {
		return nil, c.fail
	}
	return c.Client.FetchRoot(ctx, op, calls)
}

type harness struct {
	rec  *recorder
	exec *executor.Executor
}

func newHarness(t *testing.T, reviewsFail error) *harness {
	t.Helper()
	books, reviews := booksService(t), reviewsService(t)
	super, err := Compose(books.Subgraph(), reviews.Subgraph())
	require.NoError(t, err)

	rec := &recorder{}
	gw, err := NewGateway(super, map[string]Client{
		"books":   recordingClient{Client: books, name: "books", rec: rec},
		"reviews": recordingClient{Client: reviews, name: "reviews", rec: rec, fail: reviewsFail},
	})
	require.NoError(t, err)
	l := loader.New(nil)
	gw.Register(l)
	return &harness{rec: rec, exec: executor.NewExecutor(gw.Runtime(), gw.Schema(), executor.WithLoaders(l))}
}

func (h *harness) run(t *testing.T, query string) *executor.ExecutionResult {
	t.Helper()
	doc, err := language.ParseQuery(query)
	require.NoError(t, err)
	return h.exec.ExecuteRequest(context.Background(), doc, "", nil, nil)
}

func TestCompose_Ownership(t *testing.T) {
	super, err := Compose(mustSubgraph(t, "books", booksSDL), mustSubgraph(t, "reviews", reviewsSDL))
	require.NoError(t, err)

	owner, ok := super.Owner("Book", "title")
	require.True(t, ok)
	require.Equal(t, "books", owner)
	owner, _ = super.Owner("Book", "reviews")
	require.Equal(t, "reviews", owner)
	require.Equal(t, []string{"books"}, super.Owners("Book", "id"))

	keys, ok := super.Key("Book")
	require.True(t, ok)
	require.Equal(t, []string{"id"}, keys)
	require.Equal(t, []string{"reviews", "shippingEstimate"}, super.EntityFields("reviews", "Book"))
	require.Equal(t, []string{"id", "title", "weight", "author"}, super.EntityFields("books", "Book"))
	require.Equal(t, []string{"weight"}, super.Requires("reviews", "Book"))

	q := super.Schema.GetQueryType()
	require.NotNil(t, q.Field("books"))
	require.NotNil(t, q.Field("topReview"))
	require.Nil(t, q.Field("_entities"))
	require.Nil(t, super.Schema.Types["_Any"])
	require.Equal(t, "Mutation", super.Schema.MutationType)
}

func TestCompose_Conflict(t *testing.T) {
	a := mustSubgraph(t, "a", `type Query { hello: String }`)
	b := mustSubgraph(t, "b", `type Query { hello: String }`)
	_, err := Compose(a, b)
	var conflict *CompositionConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, &CompositionConflictError{Type: "Query", Field: "hello", Services: []string{"a", "b"}}, conflict)

	a = mustSubgraph(t, "a", `type Query { hello: String @shareable }`)
	b = mustSubgraph(t, "b", `type Query { hello: String @shareable }`)
	super, err := Compose(a, b)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, super.Owners("Query", "hello"))
}

func TestCompose_Cycle(t *testing.T) {
	a := mustSubgraph(t, "a", `
		type Query { t: T }
		type T @key(fields: "id") { id: ID! x: Int @requires(fields: "y") y: Int @external }
	`)
	b := mustSubgraph(t, "b", `
		type T @key(fields: "id") { id: ID! @external y: Int @requires(fields: "x") x: Int @external }
	`)
	_, err := Compose(a, b)
	var cycle *CompositionCycleError
	require.ErrorAs(t, err, &cycle)
	require.Equal(t, []string{"T.x", "T.y", "T.x"}, cycle.Path)
}

func TestCompose_Errors(t *testing.T) {
	tests := []struct {
		name string
		sdls []string
		want string
	}{
		{
			name: "different keys",
			sdls: []string{
				`type Query { p: P } type P @key(fields: "id") { id: ID! sku: String! name: String }`,
				`type P @key(fields: "sku") { sku: String! price: Int }`,
			},
			want: `compose: type P has @key(fields: "id") in a and @key(fields: "sku") in b`,
		},
		{
			name: "kind mismatch",
			sdls: []string{`type Query { x: X } type X { id: ID }`, `interface X { id: ID }`},
			want: "compose: type X is OBJECT in a and INTERFACE in b",
		},
		{
			name: "field type mismatch",
			sdls: []string{`type Query { n: Int @shareable }`, `type Query { n: String @shareable }`},
			want: "compose: field Query.n has type Int in a and String in b",
		},
		{
			name: "arguments on nested field",
			sdls: []string{`type Query { b: B } type B { x(n: Int): Int }`},
			want: "compose: field B.x takes arguments; only root fields may take arguments in a composed schema",
		},
		{
			name: "unreachable value field",
			sdls: []string{
				`type Query { p: P } type P { id: ID! @shareable name: String }`,
				`type P { id: ID! @shareable price: Int }`,
			},
			want: "compose: field P.name of a cannot be reached from b: P has no @key",
		},
		{
			name: "requires a resolved field",
			sdls: []string{
				`type Query { p: P } type P @key(fields: "id") { id: ID! w: Int @shareable }`,
				`type P @key(fields: "id") { id: ID! w: Int @shareable cost: Int @requires(fields: "w") }`,
			},
			want: "compose: field P.cost requires P.w, which b resolves itself; mark it @external",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var subs []*Subgraph
			for i, sdl := range tt.sdls {
				subs = append(subs, mustSubgraph(t, string(rune('a'+i)), sdl))
			}
			_, err := Compose(subs...)
			require.EqualError(t, err, tt.want)
		})
	}
}

func TestParseSubgraph_Errors(t *testing.T) {
	_, err := ParseSubgraph("x", `type Query { a: A } type A @key(fields: "missing") { id: ID }`)
	require.EqualError(t, err, "subgraph x: @key on A names unknown field missing")
	_, err = ParseSubgraph("x", `type Query { a: A } type A @key(fields: "b { c }") { id: ID }`)
	require.EqualError(t, err, `subgraph x: @key on A: field set "b { c }": only field names are supported`)
}

func TestGateway_BatchesPerServiceAndTick(t *testing.T) {
	h := newHarness(t, nil)
	res := h.run(t, `{ books { title author { name } reviews { body } shippingEstimate } }`)
	require.Empty(t, res.Errors)

	book := func(title, author string, estimate int, reviews ...string) *executor.Object {
		rs := make([]any, len(reviews))
		for i, body := range reviews {
			rs[i] = executor.NewObject("body", body)
		}
		return executor.NewObject(
			"title", title,
			"author", executor.NewObject("name", author),
			"reviews", rs,
			"shippingEstimate", estimate,
		)
	}
	want := executor.NewObject("books", []any{
		book("Dune", "Herbert", 3, "Epic"),
		book("Emma", "Austen", 2, "Witty", "Sharp"),
	})
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{
		"books entities Author x2",
		"books root query x1",
		"reviews entities Book x2",
	}, h.rec.sorted())
}

func TestGateway_ReferenceFromAnotherService(t *testing.T) {
	h := newHarness(t, nil)
	res := h.run(t, `{ topReview { body book { title author { name } } } }`)
	require.Empty(t, res.Errors)
	want := executor.NewObject("topReview", executor.NewObject(
		"body", "Witty",
		"book", executor.NewObject("title", "Emma", "author", executor.NewObject("name", "Austen")),
	))
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{
		"books entities Author x1",
		"books entities Book x1",
		"reviews root query x1",
	}, h.rec.sorted())
}

func TestGateway_UnavailableServiceNullsOnlyItsFields(t *testing.T) {
	h := newHarness(t, &UnavailableError{Service: "reviews", Err: errors.New("connection refused")})
	res := h.run(t, `{ books { title reviews { body } } }`)

	want := executor.NewObject("books", []any{
		executor.NewObject("title", "Dune", "reviews", nil),
		executor.NewObject("title", "Emma", "reviews", nil),
	})
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	var paths []executor.Path
	for _, e := range res.Errors {
		require.Equal(t, "SUBGRAPH_UNAVAILABLE", e.Code())
		paths = append(paths, e.Path)
	}
	require.ElementsMatch(t, []executor.Path{{"books", 0, "reviews"}, {"books", 1, "reviews"}}, paths)
	require.Equal(t, []string{"books root query x1", "reviews entities Book x2"}, h.rec.sorted())
}

func TestGateway_SubgraphFieldErrorKeepsCode(t *testing.T) {
	h := newHarness(t, nil)
	res := h.run(t, `{ a: book(id: "1") { title } b: book(id: "404") { title } }`)
	require.Empty(t, res.Errors)
	require.Equal(t, executor.NewObject("a", executor.NewObject("title", "Dune"), "b", nil), res.Data)
	require.Equal(t, []string{"books root query x2"}, h.rec.sorted())

	reviews := reviewsService(t)
	entities, err := reviews.FetchEntities(context.Background(), []Representation{
		{Typename: "Book", Fields: map[string]any{"id": "3"}},
	}, []string{"reviews"})
	require.NoError(t, err)
	require.Len(t, entities, 1)
	remote, ok := entities[0].Data["reviews"].(*RemoteError)
	require.True(t, ok, "reviews holds %T", entities[0].Data["reviews"])
	require.Equal(t, "FORBIDDEN", remote.Code())
	require.Equal(t, "reviews of 3 are hidden", remote.Error())
}

func TestGateway_Mutation(t *testing.T) {
	h := newHarness(t, nil)
	res := h.run(t, `mutation {
		a: renameBook(id: "1", title: "Dune Messiah") { title reviews { body } }
		b: renameBook(id: "1", title: "Dune Messiah") { title }
	}`)
	require.Empty(t, res.Errors)
	want := executor.NewObject(
		"a", executor.NewObject("title", "Dune Messiah", "reviews", []any{executor.NewObject("body", "Epic")}),
		"b", executor.NewObject("title", "Dune Messiah"),
	)
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{
		"books root mutation x1",
		"books root mutation x1",
		"reviews entities Book x1",
	}, h.rec.sorted())
}

func TestGateway_MutationEvictsReturnedEntities(t *testing.T) {
	books, reviews := booksService(t), reviewsService(t)
	super, err := Compose(books.Subgraph(), reviews.Subgraph())
	require.NoError(t, err)
	rec := &recorder{}
	gw, err := NewGateway(super, map[string]Client{
		"books":   books,
		"reviews": recordingClient{Client: reviews, name: "reviews", rec: rec},
	}, WithEntityTTL(time.Minute))
	require.NoError(t, err)
	c := cache.New()
	l := loader.New(c)
	gw.Register(l)
	h := &harness{rec: rec, exec: executor.NewExecutor(gw.Runtime(), gw.Schema(), executor.WithLoaders(l))}

	query := `{ book(id: "1") { reviews { body } } }`
	require.Empty(t, h.run(t, query).Errors)
	require.Empty(t, h.run(t, query).Errors)
	require.Equal(t, []string{"reviews entities Book x1"}, h.rec.sorted())
	require.Equal(t, 1, c.Len())

	res := h.run(t, `mutation { renameBook(id: "1", title: "Dune Messiah") { title } }`)
	require.Empty(t, res.Errors)
	require.Zero(t, c.Len())

	require.Empty(t, h.run(t, query).Errors)
	require.Equal(t, []string{"reviews entities Book x1", "reviews entities Book x1"}, h.rec.sorted())
}

func TestGateway_EntityRefs(t *testing.T) {
	super, err := Compose(mustSubgraph(t, "books", booksSDL), mustSubgraph(t, "reviews", reviewsSDL))
	require.NoError(t, err)
	gw, err := NewGateway(super, map[string]Client{"books": booksService(t), "reviews": reviewsService(t)})
	require.NoError(t, err)

	refs := gw.entityRefs([]any{
		map[string]any{"__typename": "Review", "body": "Epic", "book": map[string]any{"__typename": "Book", "id": "1"}},
		map[string]any{"__typename": "Book", "id": "2", "author": map[string]any{"__typename": "Author", "id": "a2"}},
		map[string]any{"__typename": "Book", "title": "no key"},
		nil,
	}, nil)
	var tags []string
	for _, r := range refs {
		tags = append(tags, EntityTag(r.typ, r.values...))
	}
	require.Equal(t, []string{"book:1", "book:2", "author:a2"}, tags)
}

func TestService_FetchEntities(t *testing.T) {
	books := booksService(t)
	entities, err := books.FetchEntities(context.Background(), []Representation{
		{Typename: "Book", Fields: map[string]any{"id": "1"}},
		{Typename: "Book", Fields: map[string]any{"id": "99"}},
		{Typename: "Shelf", Fields: map[string]any{"id": "1"}},
	}, []string{"title", "author"})
	require.NoError(t, err)
	require.Len(t, entities, 3)

	require.Equal(t, map[string]any{
		"__typename": "Book",
		"id":         "1",
		"title":      "Dune",
		"author":     map[string]any{"__typename": "Author", "id": "a1"},
	}, entities[0].Data)
	require.Equal(t, Entity{}, entities[1])
	require.EqualError(t, entities[2].Err, `"Shelf" is not an entity of books`)
}

func TestService_ServiceSDL(t *testing.T) {
	books := booksService(t)
	doc, err := language.ParseQuery(`{ _service { sdl } }`)
	require.NoError(t, err)
	res := books.Executor().ExecuteRequest(context.Background(), doc, "", nil, nil)
	require.Empty(t, res.Errors)
	require.Equal(t, executor.NewObject("_service", executor.NewObject("sdl", booksSDL)), res.Data)
}

func TestPlaceAndSplitErrors(t *testing.T) {
	boom := errors.New("boom")
	data := map[string]any{
		"title":  "Dune",
		"author": nil,
		"tags":   []any{map[string]any{"name": "x"}},
	}
	require.True(t, PlaceError(data, []any{"author", "name"}, boom))
	require.True(t, PlaceError(data, []any{"tags", 0, "name"}, boom))
	require.False(t, PlaceError(data, []any{"tags", 3, "name"}, boom))
	require.False(t, PlaceError(data, []any{"tags", 0}, boom))

	got := SplitErrors(data)
	want := []PathError{
		{Path: []any{"author"}, Err: boom},
		{Path: []any{"tags", 0, "name"}, Err: boom},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, map[string]any{
		"title":  "Dune",
		"author": nil,
		"tags":   []any{map[string]any{"name": nil}},
	}, data)
}
