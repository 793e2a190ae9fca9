// Package gauges imports observed water levels from an HTML gauge table and
// writes them into the knowledge base before a run.
package gauges

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/signalsfoundry/acequia-simulator/internal/logging"
	"github.com/signalsfoundry/acequia-simulator/kb"
	"github.com/signalsfoundry/acequia-simulator/model"
	"go.uber.org/multierr"
)

// Reading is one observed row of the gauge table.
type Reading struct {
	Region string
	Level  float64
	// Inflow is only meaningful when HasInflow is set; the column is optional.
	Inflow    float64
	HasInflow bool
}

// Scraper reads a gauge table of the form
//
//	<tr><td>Region</td><td>Level</td><td>Inflow (optional)</td></tr>
//
// Header rows and rows whose level is not a number are skipped.
type Scraper struct {
	url    string
	client *http.Client
	log    logging.Logger
}

// NewScraper creates a scraper for url. A nil client uses a client with a
// 10 second timeout.
func NewScraper(url string, client *http.Client, log logging.Logger) *Scraper {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Scraper{url: url, client: client, log: log}
}

// Fetch downloads and parses the gauge table.
func (s *Scraper) Fetch(ctx context.Context) ([]Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build gauge request: %w", err)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch gauges: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch gauges: unexpected status code: %d %s", res.StatusCode, res.Status)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse gauge page: %w", err)
	}

	readings, skipped := ParseTable(doc)
	s.log.Info(ctx, "fetched gauge readings",
		logging.String("url", s.url),
		logging.Int("readings", len(readings)),
		logging.Int("skipped", skipped),
	)
	return readings, nil
}

// ParseTable extracts readings from every table row of doc. It returns the
// readings and the number of rows skipped.
func ParseTable(doc *goquery.Document) ([]Reading, int) {
	var (
		out     []Reading
		skipped int
	)
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			// header (th) rows and spacers
			return
		}
		region := strings.TrimSpace(cells.Eq(0).Text())
		level, err := parseVolume(cells.Eq(1).Text())
		if region == "" || err != nil {
			skipped++
			return
		}
		r := Reading{Region: region, Level: level}
		if cells.Length() >= 3 {
			if inflow, err := parseVolume(cells.Eq(2).Text()); err == nil {
				r.Inflow = inflow
				r.HasInflow = true
			}
		}
		out = append(out, r)
	})
	return out, skipped
}

// parseVolume accepts "1,234.5", "80 m³" and similar.
func parseVolume(raw string) (float64, error) {
	v := strings.TrimSpace(raw)
	if i := strings.IndexFunc(v, unicode.IsSpace); i >= 0 {
		v = v[:i]
	}
	v = strings.ReplaceAll(v, ",", "")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid volume %q", raw)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative volume %q", raw)
	}
	return f, nil
}

// ApplyReadings writes observed levels (clamped to capacity) and inflows
// into store. Readings for unknown regions are reported together; the
// others are still applied.
func ApplyReadings(store *kb.KnowledgeBase, readings []Reading) (int, error) {
	var (
		applied int
		errs    error
	)
	for _, r := range readings {
		err := store.UpdateRegion(r.Region, func(reg *model.Region) {
			level := r.Level
			if level > reg.WaterCapacity {
				level = reg.WaterCapacity
			}
			reg.WaterLevel = level
			if r.HasInflow {
				reg.Inflow = r.Inflow
			}
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("gauge %q: %w", r.Region, err))
			continue
		}
		applied++
	}
	return applied, errs
}
