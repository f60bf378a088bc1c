// Package sheets implements the row store on a Google Sheets spreadsheet:
// one sheet (tab) per lesson, lesson id = sheetId.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"classsync/pkg/interfaces"
	"classsync/pkg/types"
)

// CellLimit is the Google Sheets per-cell limit, counted in UTF-16 units.
const CellLimit = 50000

const valueInputRaw = "RAW"

// Config selects the spreadsheet and the service-account key.
type Config struct {
	SpreadsheetID   string
	CredentialsFile string
}

// Client implements interfaces.RowStore.
type Client struct {
	service       *sheetsapi.Service
	spreadsheetID string
}

// New builds a client. Extra options are appended after the credentials
// option, so tests can point the client at a fake endpoint.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Client, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("spreadsheet id cannot be empty")
	}

	options := []option.ClientOption{option.WithScopes(sheetsapi.SpreadsheetsScope)}
	if cfg.CredentialsFile != "" {
		options = append(options, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	options = append(options, opts...)

	service, err := sheetsapi.NewService(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w: %v", interfaces.ErrStoreUnavailable, err)
	}

	return &Client{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
	}, nil
}

// classify maps an API error onto the store taxonomy. Malformed requests,
// missing ranges and conflicts are rejections; everything else (transport,
// auth, quota, server errors) means the store is unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict:
			return fmt.Errorf("%s: %w: %v", op, interfaces.ErrStoreRejected, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, interfaces.ErrStoreUnavailable, err)
}

func toRows(values [][]interface{}) []types.Row {
	rows := make([]types.Row, 0, len(values))
	for _, value := range values {
		row := make(types.Row, len(value))
		for i, cell := range value {
			if s, ok := cell.(string); ok {
				row[i] = s
			} else {
				row[i] = fmt.Sprint(cell)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func toValueRange(row types.Row) *sheetsapi.ValueRange {
	cells := make([]interface{}, len(row))
	for i, cell := range row {
		cells[i] = cell
	}
	return &sheetsapi.ValueRange{Values: [][]interface{}{cells}}
}

func (c *Client) batchUpdate(ctx context.Context, req *sheetsapi.Request) (*sheetsapi.BatchUpdateSpreadsheetResponse, error) {
	return c.service.Spreadsheets.BatchUpdate(c.spreadsheetID, &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsapi.Request{req},
	}).Context(ctx).Do()
}

// ListLessons enumerates the spreadsheet's sheets in tab order.
func (c *Client) ListLessons(ctx context.Context) ([]types.Lesson, error) {
	resp, err := c.service.Spreadsheets.Get(c.spreadsheetID).
		Fields("sheets.properties(sheetId,title,index)").
		Context(ctx).Do()
	if err != nil {
		return nil, classify("list lessons", err)
	}

	lessons := make([]types.Lesson, 0, len(resp.Sheets))
	for _, sheet := range resp.Sheets {
		if sheet.Properties == nil {
			continue
		}
		lessons = append(lessons, types.Lesson{
			ID:    types.LessonID(sheet.Properties.SheetId),
			Title: sheet.Properties.Title,
		})
	}
	return lessons, nil
}

func (c *Client) CreateLesson(ctx context.Context, title string) (types.LessonID, error) {
	resp, err := c.batchUpdate(ctx, &sheetsapi.Request{
		AddSheet: &sheetsapi.AddSheetRequest{
			Properties: &sheetsapi.SheetProperties{Title: title},
		},
	})
	if err != nil {
		return 0, classify("create lesson", err)
	}
	if len(resp.Replies) == 0 || resp.Replies[0].AddSheet == nil || resp.Replies[0].AddSheet.Properties == nil {
		return 0, fmt.Errorf("create lesson: %w: empty addSheet reply", interfaces.ErrStoreRejected)
	}
	return types.LessonID(resp.Replies[0].AddSheet.Properties.SheetId), nil
}

// RenameLesson updates the sheet title. SheetId is force-sent because the
// first sheet of a spreadsheet has id 0.
func (c *Client) RenameLesson(ctx context.Context, id types.LessonID, title string) error {
	_, err := c.batchUpdate(ctx, &sheetsapi.Request{
		UpdateSheetProperties: &sheetsapi.UpdateSheetPropertiesRequest{
			Properties: &sheetsapi.SheetProperties{
				SheetId:         int64(id),
				Title:           title,
				ForceSendFields: []string{"SheetId"},
			},
			Fields: "title",
		},
	})
	return classify("rename lesson", err)
}

func (c *Client) DeleteLesson(ctx context.Context, id types.LessonID) error {
	_, err := c.batchUpdate(ctx, &sheetsapi.Request{
		DeleteSheet: &sheetsapi.DeleteSheetRequest{
			SheetId:         int64(id),
			ForceSendFields: []string{"SheetId"},
		},
	})
	return classify("delete lesson", err)
}

func (c *Client) ReadAllRows(ctx context.Context, rng types.Range) ([]types.Row, error) {
	resp, err := c.service.Spreadsheets.Values.Get(c.spreadsheetID, string(rng)).Context(ctx).Do()
	if err != nil {
		return nil, classify("read rows", err)
	}
	return toRows(resp.Values), nil
}

func (c *Client) ReadRow(ctx context.Context, rng types.Range, index int) (types.Row, error) {
	if index < 1 {
		return nil, fmt.Errorf("read row: %w: row index %d", interfaces.ErrStoreRejected, index)
	}
	resp, err := c.service.Spreadsheets.Values.Get(c.spreadsheetID, rng.RowRange(index)).Context(ctx).Do()
	if err != nil {
		return nil, classify("read row", err)
	}
	rows := toRows(resp.Values)
	if len(rows) == 0 {
		return types.Row{}, nil
	}
	return rows[0], nil
}

func (c *Client) AppendRow(ctx context.Context, rng types.Range, row types.Row) error {
	_, err := c.service.Spreadsheets.Values.Append(c.spreadsheetID, string(rng), toValueRange(row)).
		ValueInputOption(valueInputRaw).
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	return classify("append row", err)
}

// ReplaceRow clears the row before writing it so that a shorter document does
// not leave stale chunks in trailing cells.
func (c *Client) ReplaceRow(ctx context.Context, rng types.Range, index int, row types.Row) error {
	if index < 1 {
		return fmt.Errorf("replace row: %w: row index %d", interfaces.ErrStoreRejected, index)
	}
	rowRange := rng.RowRange(index)

	if _, err := c.service.Spreadsheets.Values.Clear(c.spreadsheetID, rowRange, &sheetsapi.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return classify("replace row", err)
	}

	_, err := c.service.Spreadsheets.Values.Update(c.spreadsheetID, rowRange, toValueRange(row)).
		ValueInputOption(valueInputRaw).
		Context(ctx).Do()
	return classify("replace row", err)
}

func (c *Client) ClearRange(ctx context.Context, rng types.Range) error {
	_, err := c.service.Spreadsheets.Values.Clear(c.spreadsheetID, string(rng), &sheetsapi.ClearValuesRequest{}).
		Context(ctx).Do()
	return classify("clear range", err)
}

func (c *Client) CellLimit() int {
	return CellLimit
}

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.service.Spreadsheets.Get(c.spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	return classify("health check", err)
}

// Close is a no-op; the service holds no resources beyond its HTTP client.
func (c *Client) Close() error {
	return nil
}

var _ interfaces.RowStore = (*Client)(nil)
