// Package medicaldata reads per-patient alarm summaries from the Medical
// Data API. It implements patient.MedicalDataSource.
package medicaldata

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/carelink/carelink/internal/domain/patient"
	"github.com/carelink/carelink/internal/platform/remote"
)

const (
	// BatchSize caps the patient ids sent in one request.
	BatchSize   = 100
	parallelism = 4
)

type Client struct {
	rc *remote.Client
}

func New(baseURL string, token func() string, opts ...remote.Option) (*Client, error) {
	rc, err := remote.New("medical-data-api", baseURL, token, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{rc: rc}, nil
}

type summaryRequest struct {
	PatientIDs []string `json:"patientIds"`
}

type summary struct {
	UserID string `json:"userId"`
	patient.Alarms
}

// Alarms fetches summaries in batches; any failed batch fails the call.
func (c *Client) Alarms(ctx context.Context, patientIDs []string) (map[string]patient.Alarms, error) {
	out := make(map[string]patient.Alarms, len(patientIDs))
	if len(patientIDs) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for start := 0; start < len(patientIDs); start += BatchSize {
		end := start + BatchSize
		if end > len(patientIDs) {
			end = len(patientIDs)
		}
		batch := patientIDs[start:end]
		g.Go(func() error {
			var resp []summary
			if err := c.rc.JSON(ctx, http.MethodPost, "/summaries", nil, summaryRequest{PatientIDs: batch}, &resp); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range resp {
				out[s.UserID] = s.Alarms
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
