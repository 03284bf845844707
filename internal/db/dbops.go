package db

import (
	"context"
	"database/sql"
	"reflect"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the postgres driver
	"github.com/pkg/errors"

	"teams-messenger/internal/models"
)

const (
	chatTargetsTable = "chat_targets"
	messageJobsTable = "message_jobs"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Client handles database operations.
type Client struct {
	db *sqlx.DB
}

// NewClient opens and pings the database.
func NewClient(driverName, dataSourceName string) (*Client, error) {
	db, err := sqlx.Connect(driverName, dataSourceName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to database with driver '%s'", driverName)
	}
	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// AddTarget registers the group chat an application tag reports into.
func (c *Client) AddTarget(ctx context.Context, target models.ChatTarget) (int64, error) {
	return c.create(ctx, chatTargetsTable, target)
}

// GetTarget returns the chat target for appTag or ErrNotFound.
func (c *Client) GetTarget(ctx context.Context, appTag string) (*models.ChatTarget, error) {
	query, args, err := getTargetQuery(appTag).ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build target query")
	}

	var target models.ChatTarget
	if err := c.db.GetContext(ctx, &target, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "failed to read target '%s'", appTag)
	}
	return &target, nil
}

// ListTargets returns all chat targets ordered by app tag.
func (c *Client) ListTargets(ctx context.Context) ([]models.ChatTarget, error) {
	query, args, err := listTargetsQuery().ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build list query")
	}

	var targets []models.ChatTarget
	if err := c.db.SelectContext(ctx, &targets, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list targets")
	}
	return targets, nil
}

// SetTargetChatID stores a resolved chat id so later jobs skip the chat scan.
func (c *Client) SetTargetChatID(ctx context.Context, appTag, chatID string) error {
	query, args, err := psql.Update(chatTargetsTable).
		Set("chat_id", chatID).
		Where(sq.Eq{"app_tag": appTag}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build update query")
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "failed to update target '%s'", appTag)
	}
	return nil
}

// DeleteTarget removes the target for appTag. Returns the number of affected rows.
func (c *Client) DeleteTarget(ctx context.Context, appTag string) (int64, error) {
	query, args, err := psql.Delete(chatTargetsTable).Where(sq.Eq{"app_tag": appTag}).ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "failed to build delete query")
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete target '%s'", appTag)
	}
	return res.RowsAffected()
}

// RecordJob logs a processed job into message_jobs.
func (c *Client) RecordJob(ctx context.Context, record models.JobRecord) (int64, error) {
	return c.create(ctx, messageJobsTable, record)
}

// create inserts a struct using its db tags and returns the generated id.
func (c *Client) create(ctx context.Context, tableName string, model interface{}) (int64, error) {
	builder, err := insertQuery(tableName, model)
	if err != nil {
		return 0, err
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return 0, errors.Wrap(err, "failed to build insert query")
	}

	var id int64
	if err := c.db.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "failed to create record in table '%s'", tableName)
	}
	return id, nil
}

// insertQuery skips id and created_at so the database fills them in.
func insertQuery(tableName string, model interface{}) (sq.InsertBuilder, error) {
	v := reflect.ValueOf(model)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return sq.InsertBuilder{}, errors.Errorf("expected a struct, but got %T", model)
	}

	var cols []string
	var values []interface{}
	for i := 0; i < v.NumField(); i++ {
		tag := strings.Split(v.Type().Field(i).Tag.Get("db"), ",")[0]
		if tag == "" || tag == "-" || tag == "id" || tag == "created_at" {
			continue
		}
		cols = append(cols, tag)
		values = append(values, v.Field(i).Interface())
	}

	return psql.Insert(tableName).Columns(cols...).Values(values...).Suffix("RETURNING id"), nil
}

func getTargetQuery(appTag string) sq.SelectBuilder {
	return psql.Select("id", "app_tag", "chat_name", "chat_id", "created_at").
		From(chatTargetsTable).
		Where(sq.Eq{"app_tag": appTag})
}

func listTargetsQuery() sq.SelectBuilder {
	return psql.Select("id", "app_tag", "chat_name", "chat_id", "created_at").
		From(chatTargetsTable).
		OrderBy("app_tag")
}
