package publish

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"

	influx "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/sirupsen/logrus"

	"github.com/speters/rgad/internal/config"
	"github.com/speters/rgad/rga"
)

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes a "pressure" point per mass and a "total_pressure" point per complete spectrum
type Influx struct {
	w     pointWriter
	close func()
}

// DialInflux connects to the server and creates the bucket if it does not exist yet
func DialInflux(ctx context.Context, cfg config.InfluxConfig, log logrus.FieldLogger) (*Influx, error) {
	client := influx.NewClientWithOptions(cfg.URL, cfg.Token,
		influx.DefaultOptions().SetTLSConfig(&tls.Config{InsecureSkipVerify: cfg.SkipTLS}))

	org, err := client.OrganizationsAPI().FindOrganizationByName(ctx, cfg.Org)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx organization %q: %w", cfg.Org, err)
	}
	buckets, err := client.BucketsAPI().FindBucketsByOrgName(ctx, cfg.Org)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx buckets of %q: %w", cfg.Org, err)
	}
	found := false
	for _, b := range *buckets {
		if b.Name == cfg.Bucket {
			found = true
			break
		}
	}
	if !found {
		log.Infof("Creating influx bucket %v", cfg.Bucket)
		if _, err := client.BucketsAPI().CreateBucketWithName(ctx, org, cfg.Bucket, domain.RetentionRule{EverySeconds: 0}); err != nil {
			client.Close()
			return nil, fmt.Errorf("creating influx bucket %q: %w", cfg.Bucket, err)
		}
	}
	log.Infof("Writing spectra to influx bucket %v at %v", cfg.Bucket, cfg.URL)
	return &Influx{w: client.WriteAPIBlocking(cfg.Org, cfg.Bucket), close: client.Close}, nil
}

// NewInflux writes through w
func NewInflux(w pointWriter) *Influx {
	return &Influx{w: w, close: func() {}}
}

// Points converts sp to line protocol points stamped with the scan start
func Points(device string, sp *rga.Spectrum) []*write.Point {
	pts := make([]*write.Point, 0, len(sp.Points)+1)
	for _, p := range sp.Points {
		pts = append(pts, influx.NewPoint(
			"pressure",
			map[string]string{
				"device": device,
				"mass":   strconv.FormatFloat(p.AMU, 'f', -1, 64),
			},
			map[string]interface{}{
				"pressure": p.Pressure,
			},
			sp.Started,
		))
	}
	if sp.Complete {
		pts = append(pts, influx.NewPoint(
			"total_pressure",
			map[string]string{"device": device},
			map[string]interface{}{"pressure": sp.TotalPressure},
			sp.Started,
		))
	}
	return pts
}

func (i *Influx) Publish(ctx context.Context, device string, sp *rga.Spectrum) error {
	if len(sp.Points) == 0 {
		return nil
	}
	if err := i.w.WritePoint(ctx, Points(device, sp)...); err != nil {
		return fmt.Errorf("writing spectrum to influx: %w", err)
	}
	return nil
}

func (i *Influx) Close() error {
	i.close()
	return nil
}
