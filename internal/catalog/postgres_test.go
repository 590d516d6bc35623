package catalog

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"restaurant-agent/internal/domain"
)

// fakeRow scans fixed values into the destinations, like *sql.Row.
type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *[]byte:
			if r.vals[i] != nil {
				*p = r.vals[i].([]byte)
			}
		case *float64:
			*p = r.vals[i].(float64)
		case *bool:
			*p = r.vals[i].(bool)
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func TestScanProfile(t *testing.T) {
	p, err := scanProfile(fakeRow{vals: []any{
		"bacci_pizza", "Bacci Pizza", "America/Chicago",
		[]byte(`{"refunds":"store credit only","delivery_radius_km":5}`),
		[]byte(`["Two slices and a soda for $6"]`),
	}})
	require.NoError(t, err)
	require.Equal(t, "bacci_pizza", p.Key)
	require.Equal(t, "Bacci Pizza", p.Name())
	require.Equal(t, float64(5), p.Policies["delivery_radius_km"])
	require.Equal(t, []string{"Two slices and a soda for $6"}, p.Deals)
}

func TestScanProfile_Errors(t *testing.T) {
	_, err := scanProfile(fakeRow{err: sql.ErrNoRows})
	require.ErrorIs(t, err, sql.ErrNoRows)

	_, err = scanProfile(fakeRow{vals: []any{"k", "", "", []byte(`{`), nil}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode policies")

	_, err = scanProfile(fakeRow{vals: []any{"k", "", "", nil, []byte(`{"a":1}`)}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode deals")
}

func TestScanMenuItemAndLocation(t *testing.T) {
	it, err := scanMenuItem(fakeRow{vals: []any{"p1", "Pepperoni Pizza", "pizza", 14.99, "", true}})
	require.NoError(t, err)
	require.Equal(t, domain.MenuItem{ItemID: "p1", Name: "Pepperoni Pizza", Category: "pizza", Price: 14.99, Available: true}, it)

	loc, err := scanLocation(fakeRow{vals: []any{"Loop", "20 W Monroe St", "312-555-0102", 41.8806, -87.6290}})
	require.NoError(t, err)
	require.Equal(t, "Loop", loc.Name)
	require.Equal(t, -87.6290, loc.Longitude)
}

func TestRestaurantArgs(t *testing.T) {
	args, err := restaurantArgs(domain.RestaurantProfile{Key: "taco_town"})
	require.NoError(t, err)
	require.Equal(t, []any{"taco_town", "", "", "{}", "[]"}, args)

	_, err = restaurantArgs(domain.RestaurantProfile{Key: "bad", Policies: map[string]any{"f": func() {}}})
	require.Error(t, err)
}

func TestWrapQueryErr(t *testing.T) {
	require.ErrorIs(t, wrapQueryErr("profile", sql.ErrNoRows), domain.ErrRestaurantNotFound)

	err := wrapQueryErr("menu", &pq.Error{Code: pgUndefinedTable, Message: `relation "menu_items" does not exist`})
	require.Contains(t, err.Error(), "run migrate")

	err = wrapQueryErr("list", errors.New("connection refused"))
	require.Equal(t, "catalog: list: connection refused", err.Error())
}

func TestNewPostgres_NilDB(t *testing.T) {
	_, err := NewPostgres(nil)
	require.Error(t, err)
}

func TestOpenPostgres_EmptyDSN(t *testing.T) {
	_, err := OpenPostgres(context.Background(), PostgresConfig{DSN: " "})
	require.Error(t, err)
	require.Contains(t, err.Error(), "DSN")
}

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	p, err := NewPostgres(db)
	require.NoError(t, err)
	return p, mock
}

func TestPostgres_Profile(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT key, display_name, timezone, policies, deals FROM restaurants").
		WithArgs("bacci_pizza").
		WillReturnRows(sqlmock.NewRows([]string{"key", "display_name", "timezone", "policies", "deals"}).
			AddRow("bacci_pizza", "Bacci Pizza", "America/Chicago", []byte(`{"delivery_radius_miles":3}`), []byte(`["Jumbo slice deal"]`)))
	mock.ExpectQuery("FROM restaurant_locations").
		WithArgs("bacci_pizza").
		WillReturnRows(sqlmock.NewRows([]string{"name", "address", "phone", "latitude", "longitude"}).
			AddRow("Wicker Park", "1434 N Milwaukee Ave", "(773) 555-0141", 41.9088, -87.6776).
			AddRow("Loop", "220 W Adams St", "(312) 555-0188", 41.8794, -87.6345))

	profile, err := p.Profile(context.Background(), "bacci_pizza")
	require.NoError(t, err)
	require.Equal(t, "Bacci Pizza", profile.DisplayName)
	require.Equal(t, []string{"Jumbo slice deal"}, profile.Deals)
	require.Len(t, profile.Locations, 2)
	require.Equal(t, "Loop", profile.Locations[1].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ProfileNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("FROM restaurants").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"key", "display_name", "timezone", "policies", "deals"}))

	_, err := p.Profile(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrRestaurantNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AvailableItems(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("FROM menu_items WHERE restaurant_key = \\$1 AND available").
		WithArgs("bacci_pizza").
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "name", "category", "price", "description", "available"}).
			AddRow("bp_pep_lg", "Pepperoni Pizza (Large)", "Pizzas", 17.99, "", true))

	items, err := p.AvailableItems(context.Background(), "bacci_pizza")
	require.NoError(t, err)
	require.Equal(t, []domain.MenuItem{{ItemID: "bp_pep_lg", Name: "Pepperoni Pizza (Large)", Category: "Pizzas", Price: 17.99, Available: true}}, items)

	mock.ExpectQuery("FROM menu_items").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "name", "category", "price", "description", "available"}))
	items, err = p.AvailableItems(context.Background(), "ghost")
	require.NoError(t, err)
	require.Empty(t, items)
	require.NotNil(t, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_List(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT key, display_name FROM restaurants ORDER BY key").
		WillReturnRows(sqlmock.NewRows([]string{"key", "display_name"}).
			AddRow("bacci_pizza", "Bacci Pizza").
			AddRow("taco_town", ""))

	list, err := p.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.RestaurantSummary{{Key: "bacci_pizza", DisplayName: "Bacci Pizza"}, {Key: "taco_town"}}, list)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListMissingSchema(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery("FROM restaurants").
		WillReturnError(&pq.Error{Code: pgUndefinedTable, Message: `relation "restaurants" does not exist`})

	_, err := p.List(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "run migrate")
}

func TestPostgres_EnsureSchema(t *testing.T) {
	p, mock := newMockPostgres(t)
	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, p.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectExec("CREATE").WillReturnError(errors.New("permission denied"))
	err := p.EnsureSchema(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "permission denied")
}

func TestPostgres_Seed(t *testing.T) {
	p, mock := newMockPostgres(t)
	restaurants := []Restaurant{{
		Profile: domain.RestaurantProfile{
			Key:         "bacci_pizza",
			DisplayName: "Bacci Pizza",
			Locations:   []domain.Location{{Name: "Loop", Latitude: 41.8794, Longitude: -87.6345}},
		},
		Menu: []domain.MenuItem{
			{ItemID: "bp_jumbo", Name: "Jumbo Slice", Category: "Pizzas", Price: 5.49, Available: true},
			{ItemID: "bp_tiramisu", Name: "Tiramisu", Category: "Desserts", Price: 6.5},
		},
	}}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM restaurant_locations").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM menu_items").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO restaurants").
		WithArgs("bacci_pizza", "Bacci Pizza", "", "{}", "[]").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO restaurant_locations").
		WithArgs("bacci_pizza", 0, "Loop", "", "", 41.8794, -87.6345).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO menu_items").
		WithArgs("bacci_pizza", "bp_jumbo", 0, "Jumbo Slice", "Pizzas", 5.49, "", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO menu_items").
		WithArgs("bacci_pizza", "bp_tiramisu", 1, "Tiramisu", "Desserts", 6.5, "", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.Seed(context.Background(), restaurants))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SeedRollsBackOnFailure(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM restaurant_locations").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM menu_items").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO restaurants").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := p.Seed(context.Background(), []Restaurant{{Profile: domain.RestaurantProfile{Key: "taco_town"}}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SeedNothing(t *testing.T) {
	p, mock := newMockPostgres(t)
	require.NoError(t, p.Seed(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
