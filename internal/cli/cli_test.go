package cli_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/librarysys/lending-go/internal/cli"
	"github.com/librarysys/lending-go/internal/config"
	"github.com/librarysys/lending-go/lending"
	"github.com/librarysys/lending-go/lending/storage/memstore"
)

const (
	cleanCode      = "978-0132350884"
	designPatterns = "978-0201633610"
	firstBorrow    = "01900000-0000-7000-8000-000000000001"
	secondBorrow   = "01900000-0000-7000-8000-000000000002"
)

type harness struct {
	app   *cli.App
	store *memstore.Store
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)

	h := &harness{store: memstore.New(), now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}

	h.app, err = cli.NewApp(cfg, h.store, config.Observability{}, func() time.Time { return h.now })
	require.NoError(t, err)

	return h
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := cli.NewRootCommand(func(context.Context, *cli.RootOptions) (*cli.App, error) {
		return h.app, nil
	})

	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func (h *harness) mustRun(t *testing.T, args ...string) string {
	t.Helper()

	out, err := h.run(t, args...)
	require.NoError(t, err, "libsys %v", args)

	return out
}

// seed adds two books and a member, then lends both books: the first one is returned.
func (h *harness) seed(t *testing.T) {
	t.Helper()

	h.mustRun(t, "books", "add", "--isbn", cleanCode, "--title", "Clean Code", "--author", "Robert C. Martin",
		"--category", "programming", "--year", "2008", "--copies", "3")
	h.mustRun(t, "books", "add", "--isbn", designPatterns, "--title", "Design Patterns", "--author", "Erich Gamma",
		"--category", "programming", "--year", "1994", "--copies", "1")
	h.mustRun(t, "users", "register", "--id", "u-ada", "--name", "Ada Lovelace", "--email", "ada@example.org")

	h.now = time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	h.mustRun(t, "borrows", "borrow", "--isbn", cleanCode, "--user", "u-ada", "--days", "14", "--id", firstBorrow)

	h.now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	h.mustRun(t, "borrows", "return", firstBorrow)

	h.now = time.Date(2024, 3, 11, 8, 30, 0, 0, time.UTC)
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func Test_RootCommand_Has_All_Commands(t *testing.T) {
	cmd := cli.NewRootCommand(nil)

	for _, path := range [][]string{
		{"books", "add"}, {"books", "search"}, {"books", "list"}, {"books", "history"},
		{"users", "register"}, {"users", "profile"}, {"users", "find"}, {"users", "active"}, {"users", "history"},
		{"borrows", "borrow"}, {"borrows", "return"}, {"borrows", "show"}, {"borrows", "repair"},
		{"sweeper", "run"}, {"sweeper", "once"}, {"schema", "init"}, {"simulate"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "%v", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, cli.FormatText, format.DefValue)
}

func Test_Borrow_And_Return_Text_Output(t *testing.T) {
	// arrange
	h := newHarness(t)
	h.seed(t)

	// act
	borrowed := h.mustRun(t, "borrows", "borrow", "--isbn", designPatterns, "--email", "ada@example.org", "--id", secondBorrow)
	shown := h.mustRun(t, "borrows", "show", firstBorrow)

	// assert
	golden(t).Assert(t, "borrows_borrow", []byte(borrowed))
	golden(t).Assert(t, "borrows_return", []byte(shown))
}

func Test_Catalog_And_Member_Text_Output(t *testing.T) {
	// arrange
	h := newHarness(t)
	h.seed(t)
	h.mustRun(t, "borrows", "borrow", "--isbn", designPatterns, "--email", "ada@example.org", "--id", secondBorrow)

	// act & assert
	g := golden(t)
	g.Assert(t, "books_search", []byte(h.mustRun(t, "books", "search", designPatterns)))
	g.Assert(t, "books_list_category", []byte(h.mustRun(t, "books", "list", "--category", "programming")))
	g.Assert(t, "users_profile", []byte(h.mustRun(t, "users", "profile", "u-ada")))
	g.Assert(t, "users_active", []byte(h.mustRun(t, "users", "active", "u-ada")))
	g.Assert(t, "users_history", []byte(h.mustRun(t, "users", "history", "u-ada")))
}

func Test_Borrow_Reports_Unavailable_With_Failure_Exit_Code(t *testing.T) {
	// arrange
	h := newHarness(t)
	h.seed(t)
	h.mustRun(t, "users", "register", "--id", "u-grace", "--name", "Grace Hopper", "--email", "grace@example.org")
	h.mustRun(t, "borrows", "borrow", "--isbn", designPatterns, "--user", "u-ada")

	// act
	_, err := h.run(t, "borrows", "borrow", "--isbn", designPatterns, "--user", "u-grace")

	// assert
	require.Error(t, err)
	assert.ErrorIs(t, err, lending.ErrUnavailable)
	assert.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
}

func Test_Return_Twice_Is_Rejected(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	_, err := h.run(t, "borrows", "return", firstBorrow)

	assert.ErrorIs(t, err, lending.ErrNotActive)
	assert.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
}

func Test_Return_By_Member_And_Book(t *testing.T) {
	// arrange
	h := newHarness(t)
	h.seed(t)
	h.mustRun(t, "borrows", "borrow", "--isbn", designPatterns, "--user", "u-ada", "--id", secondBorrow)

	// act
	out, err := h.run(t, "--format", "json", "borrows", "return", "--email", "ADA@example.org", "--isbn", designPatterns)
	_, againErr := h.run(t, "borrows", "return", "--user", "u-ada", "--isbn", designPatterns)

	// assert
	require.NoError(t, err)

	var borrow map[string]any
	require.NoError(t, jsoniter.Unmarshal([]byte(out), &borrow))
	assert.Equal(t, secondBorrow, borrow["borrow_id"])
	assert.Equal(t, string(lending.StatusReturned), borrow["status"])

	assert.ErrorIs(t, againErr, lending.ErrNotActive)
	assert.Equal(t, cli.ExitFailure, cli.GetExitCode(againErr))
}

func Test_Borrow_With_Unknown_Outcome_Reports_Borrow_ID(t *testing.T) {
	// arrange
	h := newHarness(t)
	h.seed(t)
	h.store.SetFault(func(op memstore.Operation) error {
		if op.Kind == memstore.OpConditionalWrite && op.Table == "copy_availability_by_book" {
			return memstore.ErrInjected
		}
		return nil
	})

	// act
	_, err := h.run(t, "borrows", "borrow", "--isbn", designPatterns, "--user", "u-ada")

	// assert
	require.Error(t, err)
	assert.ErrorIs(t, err, lending.ErrStorage)
	assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))

	_, rawID, found := strings.Cut(err.Error(), "retry with --id ")
	require.True(t, found, err.Error())
	rawID, _, _ = strings.Cut(rawID, ":")
	borrowID, parseErr := uuid.Parse(rawID)
	require.NoError(t, parseErr, err.Error())
	assert.Contains(t, err.Error(), "borrow "+borrowID.String()+" has an unknown outcome")

	h.store.SetFault(nil)
	retried := h.mustRun(t, "--format", "json", "borrows", "borrow", "--isbn", designPatterns, "--user", "u-ada", "--id", borrowID.String())

	var borrow map[string]any
	require.NoError(t, jsoniter.Unmarshal([]byte(retried), &borrow))
	assert.Equal(t, borrowID.String(), borrow["borrow_id"])
	assert.Equal(t, string(lending.StatusActive), borrow["status"])
}

func Test_Books_And_Users_Carry_Publisher_And_Address(t *testing.T) {
	// arrange
	h := newHarness(t)
	h.mustRun(t, "books", "add", "--isbn", cleanCode, "--title", "Clean Code", "--author", "Robert C. Martin",
		"--category", "programming", "--publisher", "Prentice Hall", "--description", "A handbook of agile craftsmanship")
	h.mustRun(t, "users", "register", "--id", "u-ada", "--name", "Ada Lovelace", "--email", "ada@example.org",
		"--address", "12 St James's Square")

	// act
	book := h.mustRun(t, "books", "search", cleanCode)
	profile := h.mustRun(t, "--format", "json", "users", "profile", "u-ada")

	// assert
	assert.Contains(t, book, "Publisher:  Prentice Hall\n")
	assert.Contains(t, book, "About:      A handbook of agile craftsmanship\n")
	assert.Contains(t, profile, `"address": "12 St James's Square"`)
}

func Test_Register_Same_User_ID_Twice_Is_Rejected(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	_, err := h.run(t, "users", "register", "--id", "u-ada", "--name", "Ada King", "--email", "countess@example.org")

	assert.ErrorIs(t, err, lending.ErrUserExists)
	assert.Equal(t, cli.ExitFailure, cli.GetExitCode(err))
}

func Test_Commands_Reject_Invalid_Flags(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{name: "format", args: []string{"--format", "xml", "books", "search", cleanCode}},
		{name: "list without filter", args: []string{"books", "list"}},
		{name: "list with both filters", args: []string{"books", "list", "--category", "a", "--author", "b"}},
		{name: "borrow with two borrowers", args: []string{"borrows", "borrow", "--isbn", cleanCode, "--user", "u", "--email", "e@x.org"}},
		{name: "borrow id", args: []string{"borrows", "return", "not-a-uuid"}},
		{name: "return without target", args: []string{"borrows", "return"}},
		{name: "return by isbn without member", args: []string{"borrows", "return", "--isbn", cleanCode}},
		{name: "return by member without isbn", args: []string{"borrows", "return", "--user", "u-ada"}},
		{name: "return with id and member", args: []string{"borrows", "return", firstBorrow, "--user", "u-ada", "--isbn", cleanCode}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.run(t, tc.args...)

			require.Error(t, err)
			assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
		})
	}
}

func Test_Json_And_Yaml_Output(t *testing.T) {
	// arrange
	h := newHarness(t)
	h.seed(t)

	// act
	jsonOut := h.mustRun(t, "--format", "json", "borrows", "show", firstBorrow)
	yamlOut := h.mustRun(t, "--format", "yaml", "users", "find", "--email", "ADA@example.org")

	// assert
	var borrow map[string]any
	require.NoError(t, jsoniter.Unmarshal([]byte(jsonOut), &borrow))
	assert.Equal(t, firstBorrow, borrow["borrow_id"])
	assert.Equal(t, string(lending.StatusReturned), borrow["status"])
	assert.Equal(t, "2024-03-10T12:00:00Z", borrow["returned_at"])

	var user map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(yamlOut), &user))
	assert.Equal(t, "u-ada", user["user_id"])
	assert.Equal(t, "ada@example.org", user["email"])
}

func Test_Sweeper_Once_And_Repair(t *testing.T) {
	// arrange
	h := newHarness(t)
	h.seed(t)

	// act
	sweep := h.mustRun(t, "--format", "json", "sweeper", "once")
	repaired := h.mustRun(t, "borrows", "repair", firstBorrow)

	// assert
	var report map[string]any
	require.NoError(t, jsoniter.Unmarshal([]byte(sweep), &report))
	assert.EqualValues(t, 0, report["scanned"])
	assert.Equal(t, "Borrow "+firstBorrow+" converged: finish_return\n", repaired)
}

func Test_OpenApp_Persists_To_SQLite(t *testing.T) {
	// arrange
	t.Chdir(t.TempDir())
	t.Setenv("LIBSYS_STORAGE_BACKEND", config.BackendSQLite)
	t.Setenv("LIBSYS_STORAGE_SQLITE_PATH", filepath.Join(t.TempDir(), "libsys.db"))

	run := func(args ...string) (string, error) {
		cmd := cli.NewRootCommand(nil)
		var out, errOut bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&errOut)
		cmd.SetArgs(args)

		err := cmd.ExecuteContext(context.Background())

		return out.String(), err
	}

	// act
	initOut, err := run("schema", "init")
	require.NoError(t, err)
	_, err = run("books", "add", "--isbn", cleanCode, "--title", "Clean Code", "--author", "Robert C. Martin",
		"--category", "programming", "--copies", "2")
	require.NoError(t, err)
	searchOut, err := run("--format", "json", "books", "search", cleanCode)
	require.NoError(t, err)

	// assert
	assert.Equal(t, "Schema ready in table lending_rows.\n", initOut)

	var book map[string]any
	require.NoError(t, jsoniter.Unmarshal([]byte(searchOut), &book))
	assert.EqualValues(t, 2, book["available_copies"])
}

func Test_Schema_Init_On_Memory_Backend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LIBSYS_STORAGE_BACKEND", config.BackendMemory)

	cmd := cli.NewRootCommand(nil)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"schema", "init"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "Backend memory needs no schema.\n", out.String())
}

func Test_Simulate_Reports_Consistent_Catalog(t *testing.T) {
	// arrange
	h := newHarness(t)

	// act
	out, err := h.run(t, "--format", "json", "simulate",
		"--books", "2", "--copies", "1", "--readers", "4", "--duration", "100ms", "--pause", "1ms")

	// assert
	require.NoError(t, err)

	var report struct {
		Operations int              `json:"operations"`
		Consistent bool             `json:"consistent"`
		Books      []map[string]any `json:"books"`
	}
	require.NoError(t, jsoniter.Unmarshal([]byte(out), &report))
	assert.True(t, report.Consistent)
	assert.Positive(t, report.Operations)
	assert.Len(t, report.Books, 2)
	assert.Equal(t, "sim-0000", report.Books[0]["isbn"])
}

func Test_Simulate_Rejects_Invalid_Settings(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, "simulate", "--readers", "0")

	require.Error(t, err)
	assert.Equal(t, cli.ExitCommandError, cli.GetExitCode(err))
}
