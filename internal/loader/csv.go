package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Header is the expected column order of transaction CSV files.
var Header = []string{"idClient", "datetime", "amount", "latitude", "longitude", "city"}

// CSV loads transactions from a comma-separated file whose first row is a
// header. Records are returned in file order.
type CSV struct{}

// Load implements domain.TransactionLoader.
func (l *CSV) Load(ctx context.Context, path string) ([]domain.Transaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	defer file.Close()

	return ReadCSV(ctx, file)
}

// ReadCSV parses transactions from r. The first row is skipped as the header.
func ReadCSV(ctx context.Context, r io.Reader) ([]domain.Transaction, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	// Read header
	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return []domain.Transaction{}, nil
		}
		return nil, readError(1, err)
	}

	txs := make([]domain.Transaction, 0, 1024)
	for line := 2; ; line++ {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, readError(line, err)
		}

		t, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		txs = append(txs, t)
	}

	return txs, nil
}

// readError classifies a csv reader failure: malformed CSV is a parse
// error wherever it occurs, anything else is I/O.
func readError(line int, err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return fmt.Errorf("%w: line %d: %v", domain.ErrParse, line, perr.Err)
	}
	return fmt.Errorf("%w: line %d: %v", domain.ErrIO, line, err)
}

func parseRecord(record []string) (domain.Transaction, error) {
	if len(record) < len(Header) {
		return domain.Transaction{}, fmt.Errorf("%w: expected %d fields, got %d", domain.ErrParse, len(Header), len(record))
	}

	clientID, err := strconv.Atoi(strings.TrimSpace(record[0]))
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("%w: invalid idClient %q", domain.ErrParse, record[0])
	}
	ts, err := domain.ParseTimestamp(record[1])
	if err != nil {
		return domain.Transaction{}, err
	}

	var nums [3]float64
	for i, name := range Header[2:5] {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+2]), 64)
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("%w: invalid %s %q", domain.ErrParse, name, record[i+2])
		}
		nums[i] = v
	}

	// The city is the remainder of the line, so unquoted commas survive,
	// and an empty city is kept as free text.
	city := strings.TrimSpace(strings.Join(record[5:], ","))

	return domain.Transaction{
		ClientID:  clientID,
		Timestamp: ts,
		Amount:    nums[0],
		Latitude:  nums[1],
		Longitude: nums[2],
		City:      city,
	}, nil
}

// WriteCSV writes txs with a header row in the format ReadCSV accepts.
func WriteCSV(w io.Writer, txs []domain.Transaction) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return err
	}
	for _, t := range txs {
		err := writer.Write([]string{
			strconv.Itoa(t.ClientID),
			t.Timestamp.Format(domain.TimeLayout),
			strconv.FormatFloat(t.Amount, 'f', 2, 64),
			strconv.FormatFloat(t.Latitude, 'f', -1, 64),
			strconv.FormatFloat(t.Longitude, 'f', -1, 64),
			t.City,
		})
		if err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
