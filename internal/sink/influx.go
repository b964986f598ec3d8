package sink

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/xtxerr/perocube/internal/errors"
	"github.com/xtxerr/perocube/internal/measurement"
)

// InfluxConfig holds InfluxSink options.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// WriteTimeout bounds one write.
	WriteTimeout time.Duration
}

// InfluxSink writes one point per measurement to an InfluxDB 2.x bucket.
// The point's measurement name is the kind's table name; board, channel and
// sensor_id are tags.
type InfluxSink struct {
	client  influxdb2.Client
	writer  api.WriteAPIBlocking
	timeout time.Duration
}

// OpenInflux creates the client and checks the server's health.
func OpenInflux(ctx context.Context, cfg InfluxConfig) (*InfluxSink, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.WriteTimeout > 0 {
		opts.SetHTTPRequestTimeout(uint(cfg.WriteTimeout / time.Second))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	s := &InfluxSink{
		client:  client,
		writer:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		timeout: cfg.WriteTimeout,
	}
	if err := s.Health(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// Name returns "influx".
func (s *InfluxSink) Name() string { return "influx" }

// Health reports an error unless the server's health check passes.
func (s *InfluxSink) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influx health: status %s: %s", health.Status, msg)
	}
	return nil
}

// Close closes the client.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

// Write stores m as one point.
func (s *InfluxSink) Write(ctx context.Context, m measurement.Measurement) error {
	if m == nil {
		return NewRejected(0, errors.ErrInvalidPayload)
	}
	p, err := Point(m)
	if err != nil {
		return NewRejected(m.Kind(), err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.writer.WritePoint(ctx, p); err != nil {
		return classifyInflux(m.Kind(), err)
	}
	return nil
}

// Point converts m to an InfluxDB point.
func Point(m measurement.Measurement) (*write.Point, error) {
	tags := map[string]string{}
	fields := map[string]any{}

	switch v := m.(type) {
	case *measurement.MPP:
		tags[measurement.MetaBoard] = strconv.Itoa(v.Board)
		tags[measurement.MetaChannel] = strconv.Itoa(v.Channel)
		fields[measurement.FieldCurrent] = v.Current
		fields[measurement.FieldVoltage] = v.Voltage
		fields[measurement.FieldPower] = v.Power
	case *measurement.Temperature:
		if v.SensorID != "" {
			tags[measurement.MetaSensorID] = v.SensorID
		}
		fields[measurement.FieldTemperature] = v.Temperature
	case *measurement.Irradiance:
		if v.SensorID != "" {
			tags[measurement.MetaSensorID] = v.SensorID
		}
		if v.RawReading != nil {
			fields[measurement.FieldRawReading] = *v.RawReading
		}
		fields[measurement.FieldIrradiance] = v.Irradiance
	default:
		return nil, fmt.Errorf("%w: %T", errors.ErrUnknownKind, m)
	}

	return influxdb2.NewPoint(m.Kind().Table(), tags, fields, m.Time()), nil
}

// classifyInflux treats client errors other than 429 as rejections.
func classifyInflux(kind measurement.Kind, err error) *WriteError {
	var herr *influxhttp.Error
	if errors.As(err, &herr) {
		code := herr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return NewRejected(kind, err)
		}
	}
	return NewTransient(kind, err)
}
