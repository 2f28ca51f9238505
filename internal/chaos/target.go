// internal/chaos/target.go
package chaos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Target drives the public HTTP surfaces of the running services.
type Target struct {
	LoansURL   string
	CatalogURL string
	client     *http.Client
}

func NewTarget(loansURL, catalogURL string, timeout time.Duration) *Target {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Target{
		LoansURL:   strings.TrimRight(loansURL, "/"),
		CatalogURL: strings.TrimRight(catalogURL, "/"),
		client:     &http.Client{Timeout: timeout},
	}
}

// BookCounts is the slice of a catalog book the experiments inspect.
type BookCounts struct {
	ID              string `json:"id"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
	ReservedCopies  int    `json:"reserved_copies"`
}

// Consistent reports whether the ledger invariant holds for the book.
func (b BookCounts) Consistent() bool {
	loaned := b.TotalCopies - b.AvailableCopies - b.ReservedCopies
	return b.AvailableCopies >= 0 && b.ReservedCopies >= 0 && loaned >= 0
}

func (t *Target) SeedBook(ctx context.Context, title string, copies int) (string, error) {
	var book BookCounts
	status, err := t.do(ctx, http.MethodPost, t.CatalogURL+"/books/", map[string]any{
		"isbn":         "chaos-" + title,
		"title":        title,
		"author":       "chaos",
		"total_copies": copies,
	}, &book)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("seed book: unexpected status %d", status)
	}
	return book.ID, nil
}

func (t *Target) Book(ctx context.Context, id string) (BookCounts, error) {
	var book BookCounts
	status, err := t.do(ctx, http.MethodGet, t.CatalogURL+"/books/"+id, nil, &book)
	if err != nil {
		return BookCounts{}, err
	}
	if status != http.StatusOK {
		return BookCounts{}, fmt.Errorf("get book %s: unexpected status %d", id, status)
	}
	return book, nil
}

// CreateLoan returns the HTTP status and, on success, the new loan id.
func (t *Target) CreateLoan(ctx context.Context, userID, bookID string) (int, string, error) {
	var loan struct {
		ID string `json:"id"`
	}
	status, err := t.do(ctx, http.MethodPost, t.LoansURL+"/loans/", map[string]string{
		"user_id": userID,
		"book_id": bookID,
	}, &loan)
	return status, loan.ID, err
}

func (t *Target) ReturnLoan(ctx context.Context, loanID, userID string) (int, error) {
	return t.do(ctx, http.MethodPost, t.LoansURL+"/loans/"+loanID+"/return", map[string]string{"user_id": userID}, nil)
}

// Healthy probes /health of a service and reports 1 when it answers 200.
func (t *Target) Healthy(ctx context.Context, baseURL string) (float64, error) {
	status, err := t.do(ctx, http.MethodGet, baseURL+"/health", nil, nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, nil
	}
	return 1, nil
}

func (t *Target) do(ctx context.Context, method, url string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, url, err)
		}
	}
	return resp.StatusCode, nil
}
