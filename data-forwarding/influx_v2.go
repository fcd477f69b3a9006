package dataforwarding

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
)

var errRetentionExists = errors.New("bucket already has a retention rule")

// influxV2Backend maps databases to buckets of one organization.
// The retention policy of a database becomes the bucket's retention rule.
type influxV2Backend struct {
	client influxdb2.Client
	org    string
}

func newInfluxV2Backend(settings ConnectionSettings, timeout time.Duration) (*influxV2Backend, error) {
	if settings.Org == "" {
		return nil, fmt.Errorf("InfluxDB 2.x requires an organization")
	}
	opts := influxdb2.DefaultOptions().
		SetPrecision(time.Millisecond).
		SetHTTPRequestTimeout(uint(timeout.Seconds()))
	c := influxdb2.NewClientWithOptions(settings.URL(), settings.Token, opts)
	return &influxV2Backend{client: c, org: settings.Org}, nil
}

func (b *influxV2Backend) Ping(ctx context.Context) error {
	ok, err := b.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("server not ready")
	}
	return nil
}

func (b *influxV2Backend) ListDatabases(ctx context.Context) ([]string, error) {
	buckets, err := b.client.BucketsAPI().FindBucketsByOrgName(ctx, b.org)
	if err != nil {
		return nil, err
	}
	var names []string
	if buckets != nil {
		for _, bucket := range *buckets {
			names = append(names, bucket.Name)
		}
	}
	return names, nil
}

func (b *influxV2Backend) CreateDatabase(ctx context.Context, name string) error {
	org, err := b.client.OrganizationsAPI().FindOrganizationByName(ctx, b.org)
	if err != nil {
		return fmt.Errorf("find organization %s: %w", b.org, err)
	}
	_, err = b.client.BucketsAPI().CreateBucketWithName(ctx, org, name)
	return err
}

// CreateRetentionPolicy sets the bucket's retention only when it has none yet.
func (b *influxV2Backend) CreateRetentionPolicy(ctx context.Context, database string, rp RetentionPolicy) error {
	bucket, err := b.client.BucketsAPI().FindBucketByName(ctx, database)
	if err != nil {
		return err
	}
	for _, rule := range bucket.RetentionRules {
		if rule.EverySeconds != 0 {
			return errRetentionExists
		}
	}
	return b.updateRetention(ctx, bucket, rp)
}

func (b *influxV2Backend) AlterRetentionPolicy(ctx context.Context, database string, rp RetentionPolicy) error {
	bucket, err := b.client.BucketsAPI().FindBucketByName(ctx, database)
	if err != nil {
		return err
	}
	return b.updateRetention(ctx, bucket, rp)
}

func (b *influxV2Backend) updateRetention(ctx context.Context, bucket *domain.Bucket, rp RetentionPolicy) error {
	seconds, err := parseRetention(rp.Duration)
	if err != nil {
		return err
	}
	if len(bucket.RetentionRules) > 0 {
		bucket.RetentionRules[0].EverySeconds = seconds
	} else {
		bucket.RetentionRules = append(bucket.RetentionRules, domain.RetentionRule{EverySeconds: seconds})
	}
	_, err = b.client.BucketsAPI().UpdateBucket(ctx, bucket)
	return err
}

func (b *influxV2Backend) WritePoints(ctx context.Context, database string, points []Point) error {
	pts := make([]*write.Point, 0, len(points))
	for _, p := range points {
		pts = append(pts, influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Timestamp))
	}
	return b.client.WriteAPIBlocking(b.org, database).WritePoint(ctx, pts...)
}

func (b *influxV2Backend) Close() {
	b.client.Close()
}

var retentionUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// längste Suffixe zuerst, sonst passt "s" auf "ms"
	{"ns", time.Nanosecond},
	{"us", time.Microsecond},
	{"µs", time.Microsecond},
	{"ms", time.Millisecond},
	{"u", time.Microsecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
}

// parseRetention converts an InfluxQL duration literal such as "30d" or "1w2d" into whole
// seconds. "INF" and "0" mean keep forever and yield 0.
func parseRetention(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "INF") || s == "0" {
		return 0, nil
	}
	if s == "" {
		return 0, fmt.Errorf("empty retention")
	}

	var total time.Duration
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("invalid retention %q", s)
		}
		n, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid retention %q: %w", s, err)
		}
		rest = rest[i:]

		matched := false
		for _, u := range retentionUnits {
			if strings.HasPrefix(rest, u.suffix) {
				total += time.Duration(n) * u.unit
				rest = rest[len(u.suffix):]
				matched = true
				break
			}
		}
		if !matched {
			return 0, fmt.Errorf("invalid retention unit in %q", s)
		}
	}
	return int64(total / time.Second), nil
}
