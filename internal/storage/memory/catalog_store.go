package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexa-labs/classifyd/internal/classify"
)

// CatalogStore is a thread-safe in-memory classify.CatalogStore.
type CatalogStore struct {
	mu              sync.Mutex
	partnumbers     map[string]classify.Partnumber
	manufacturers   []classify.Manufacturer
	tipi            []classify.Tipi
	classifications []classify.Classification
	nextID          int64
}

// NewCatalogStore returns an empty CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{
		partnumbers: make(map[string]classify.Partnumber),
		nextID:      1,
	}
}

// SeedTipi preloads tariff rows for tests.
func (s *CatalogStore) SeedTipi(rows ...classify.Tipi) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tipi = append(s.tipi, rows...)
}

// UpsertPartnumber normalizes the code and returns the existing row or a
// freshly created one.
func (s *CatalogStore) UpsertPartnumber(_ context.Context, code string) (classify.Partnumber, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return classify.Partnumber{}, fmt.Errorf("partnumber code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pn, ok := s.partnumbers[normalized]; ok {
		return pn, nil
	}
	pn := classify.Partnumber{ID: s.nextID, Code: normalized}
	s.nextID++
	s.partnumbers[normalized] = pn
	return pn, nil
}

// FindOrCreateManufacturer matches progressively relaxed combinations of
// name, address, and country before creating a new row.
func (s *CatalogStore) FindOrCreateManufacturer(_ context.Context, name string, address, country *string) (classify.Manufacturer, error) {
	nameNorm := strings.TrimSpace(name)
	if nameNorm == "" {
		return classify.Manufacturer{}, fmt.Errorf("manufacturer name is required")
	}
	addressNorm := trimmedOrNil(address)
	countryNorm := trimmedOrNil(country)

	s.mu.Lock()
	defer s.mu.Unlock()

	type predicate func(classify.Manufacturer) bool
	nameMatch := func(m classify.Manufacturer) bool {
		return strings.EqualFold(m.Name, nameNorm)
	}
	var attempts []predicate
	if addressNorm != nil && countryNorm != nil {
		attempts = append(attempts, func(m classify.Manufacturer) bool {
			return nameMatch(m) && eqFold(m.Address, addressNorm) && eqFold(m.Country, countryNorm)
		})
	}
	if countryNorm != nil {
		attempts = append(attempts, func(m classify.Manufacturer) bool {
			return nameMatch(m) && eqFold(m.Country, countryNorm)
		})
	}
	if addressNorm != nil {
		attempts = append(attempts, func(m classify.Manufacturer) bool {
			return nameMatch(m) && eqFold(m.Address, addressNorm)
		})
	}
	attempts = append(attempts, nameMatch)

	for _, match := range attempts {
		for _, m := range s.manufacturers {
			if match(m) {
				return m, nil
			}
		}
	}

	m := classify.Manufacturer{ID: s.nextID, Name: nameNorm, Address: addressNorm, Country: countryNorm}
	s.nextID++
	s.manufacturers = append(s.manufacturers, m)
	return m, nil
}

// FindTipi looks up a tariff rule by (ncm, ex); a nil ex defaults to "00".
func (s *CatalogStore) FindTipi(_ context.Context, ncm string, ex *string) (classify.Tipi, error) {
	exValue := "00"
	if ex != nil && strings.TrimSpace(*ex) != "" {
		exValue = strings.TrimSpace(*ex)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tipi {
		if t.NCM == ncm && t.Ex == exValue {
			return t, nil
		}
	}
	return classify.Tipi{}, classify.ErrNotFound
}

// CreateClassification stores the row and assigns its id.
func (s *CatalogStore) CreateClassification(_ context.Context, row classify.Classification) (classify.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := row
	if created.Status == "" {
		created.Status = classify.ClassificationActive
	}
	created.ID = s.nextID
	created.CreatedAt = time.Now().UTC()
	s.nextID++
	s.classifications = append(s.classifications, created)
	return created, nil
}

// ListClassificationsByTask returns the rows created by one task.
func (s *CatalogStore) ListClassificationsByTask(_ context.Context, taskID string) ([]classify.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []classify.Classification
	for _, c := range s.classifications {
		if c.TaskID == taskID {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListClassificationsByPartnumber returns prior rows for a normalized code.
func (s *CatalogStore) ListClassificationsByPartnumber(_ context.Context, code string) ([]classify.Classification, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	s.mu.Lock()
	defer s.mu.Unlock()
	pn, ok := s.partnumbers[normalized]
	if !ok {
		return nil, nil
	}
	var out []classify.Classification
	for _, c := range s.classifications {
		if c.PartnumberID != nil && *c.PartnumberID == pn.ID {
			out = append(out, c)
		}
	}
	return out, nil
}

func eqFold(value, want *string) bool {
	return value != nil && want != nil && strings.EqualFold(*value, *want)
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
