// Package warehouse connects to the database holding the queried dataset
// and describes its tables for the prompt.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/nlquery/nlquery/internal/config"
	"github.com/nlquery/nlquery/internal/postgres"
)

// BuildURI assembles the connection URI from the individual warehouse
// settings. The role is not part of the URI; the engine assumes it per
// transaction.
func BuildURI(cfg config.WarehouseConfig) (string, error) {
	host := strings.TrimSpace(cfg.Host)
	database := strings.TrimSpace(cfg.Database)
	if host == "" {
		return "", fmt.Errorf("warehouse host is required")
	}
	if database == "" {
		return "", fmt.Errorf("warehouse database is required")
	}

	uri := url.URL{
		Scheme: "postgres",
		Host:   host,
		Path:   "/" + database,
	}
	switch {
	case cfg.Username != "" && cfg.Password != "":
		uri.User = url.UserPassword(cfg.Username, cfg.Password)
	case cfg.Username != "":
		uri.User = url.User(cfg.Username)
	}
	if schema := strings.TrimSpace(cfg.Schema); schema != "" {
		values := url.Values{}
		values.Set("search_path", schema)
		uri.RawQuery = values.Encode()
	}
	return uri.String(), nil
}

func Open(ctx context.Context, cfg config.WarehouseConfig) (*sql.DB, error) {
	dsn, err := BuildURI(cfg)
	if err != nil {
		return nil, err
	}
	return postgres.Open(ctx, postgres.DBConfig{
		Name:            "warehouse",
		DSN:             dsn,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}
