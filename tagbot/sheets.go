package tagbot

import (
	"context"
	"errors"
	"fmt"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
	"log/slog"
	"net/http"
	"sort"
)

// SheetAppender appends rows to named sheets of a spreadsheet. Row keys
// are column headers.
type SheetAppender interface {
	AppendRow(ctx context.Context, sheet string, row map[string]any) error
}

// googleSheetAppender appends rows to a Google Sheets spreadsheet. The
// first row of each sheet holds the column headers. Keys without a
// column get one added to the end of the header row.
type googleSheetAppender struct {
	service       *sheets.Service
	spreadsheetID string
	logger        *slog.Logger
}

func newGoogleSheetAppender(
	ctx context.Context,
	spreadsheetID string,
	credentialsFile string,
	httpClient *http.Client,
	logger *slog.Logger,
	opts ...option.ClientOption,
) (*googleSheetAppender, error) {
	if spreadsheetID == "" {
		return nil, errors.New("spreadsheet ID is required")
	}
	clientOpts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}
	if credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}
	if httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(httpClient))
	}
	clientOpts = append(clientOpts, opts...)

	svc, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("error creating sheets client: %w", err)
	}
	return &googleSheetAppender{service: svc, spreadsheetID: spreadsheetID, logger: logger}, nil
}

func (g *googleSheetAppender) AppendRow(ctx context.Context, sheet string, row map[string]any) error {
	headerRange := sheet + "!1:1"
	resp, err := g.service.Spreadsheets.Values.Get(g.spreadsheetID, headerRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("error reading headers: %w", err)
	}

	var headers []string
	if len(resp.Values) > 0 {
		for _, v := range resp.Values[0] {
			headers = append(headers, fmt.Sprint(v))
		}
	}

	known := make(map[string]bool, len(headers))
	for _, h := range headers {
		known[h] = true
	}
	var missing []string
	for k := range row {
		if !known[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		headers = append(headers, missing...)
		headerRow := make([]any, len(headers))
		for i, h := range headers {
			headerRow[i] = h
		}
		_, err = g.service.Spreadsheets.Values.Update(
			g.spreadsheetID,
			headerRange,
			&sheets.ValueRange{Values: [][]any{headerRow}},
		).ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("error adding headers: %w", err)
		}
		g.logger.InfoContext(ctx, "added sheet columns", "sheet", sheet, "columns", missing)
	}

	values := make([]any, len(headers))
	for i, h := range headers {
		if v, ok := row[h]; ok {
			values[i] = v
		} else {
			values[i] = ""
		}
	}
	_, err = g.service.Spreadsheets.Values.Append(
		g.spreadsheetID,
		sheet,
		&sheets.ValueRange{Values: [][]any{values}},
	).ValueInputOption("USER_ENTERED").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("error appending row: %w", err)
	}
	return nil
}
