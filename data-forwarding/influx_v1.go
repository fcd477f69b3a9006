package dataforwarding

import (
	"context"
	"fmt"
	"strings"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
)

// influxV1Backend spricht InfluxQL mit einem InfluxDB 1.x Server.
type influxV1Backend struct {
	client  client.Client
	timeout time.Duration
}

func newInfluxV1Backend(settings ConnectionSettings, timeout time.Duration) (*influxV1Backend, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     settings.URL(),
		Username: settings.Username,
		Password: settings.Password,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, err
	}
	return &influxV1Backend{client: c, timeout: timeout}, nil
}

func (b *influxV1Backend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := b.client.Ping(b.timeout)
	return err
}

func (b *influxV1Backend) ListDatabases(ctx context.Context) ([]string, error) {
	resp, err := b.query(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, result := range resp.Results {
		for _, series := range result.Series {
			for _, row := range series.Values {
				if len(row) == 0 {
					continue
				}
				if name, ok := row[0].(string); ok {
					names = append(names, name)
				}
			}
		}
	}
	return names, nil
}

func (b *influxV1Backend) CreateDatabase(ctx context.Context, name string) error {
	_, err := b.query(ctx, "CREATE DATABASE "+quoteIdent(name))
	return err
}

func (b *influxV1Backend) CreateRetentionPolicy(ctx context.Context, database string, rp RetentionPolicy) error {
	_, err := b.query(ctx, "CREATE "+retentionPolicyClause(database, rp))
	return err
}

func (b *influxV1Backend) AlterRetentionPolicy(ctx context.Context, database string, rp RetentionPolicy) error {
	_, err := b.query(ctx, "ALTER "+retentionPolicyClause(database, rp))
	return err
}

func (b *influxV1Backend) WritePoints(ctx context.Context, database string, points []Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  database,
		Precision: "ms",
	})
	if err != nil {
		return err
	}
	for _, p := range points {
		pt, err := client.NewPoint(p.Measurement, p.Tags, p.Fields, p.Timestamp)
		if err != nil {
			return fmt.Errorf("point %s: %w", p.Measurement, err)
		}
		bp.AddPoint(pt)
	}
	return b.client.Write(bp)
}

func (b *influxV1Backend) Close() {
	b.client.Close()
}

func (b *influxV1Backend) query(ctx context.Context, command string) (*client.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := b.client.Query(client.NewQuery(command, "", ""))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return resp, nil
}

func retentionPolicyClause(database string, rp RetentionPolicy) string {
	clause := fmt.Sprintf("RETENTION POLICY %s ON %s DURATION %s REPLICATION %d",
		quoteIdent(rp.Name), quoteIdent(database), rp.Duration, rp.Replication)
	if rp.IsDefault {
		clause += " DEFAULT"
	}
	return clause
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
}
