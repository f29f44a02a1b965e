// Package xlsx reads recipients from Excel workbooks stored in S3.
package xlsx

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xuri/excelize/v2"

	"mailsched/internal/recipients"
)

type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

const contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Source treats the source id as an object key in Bucket and the range as
// a sheet name. Status write-backs go to the first sheet.
type Source struct {
	S3           S3API
	Bucket       string
	StatusColumn string
	// Locker serializes the read-modify-write of MarkSent per object.
	Locker recipients.Locker
}

func (s *Source) statusColumn() string {
	if s.StatusColumn == "" {
		return recipients.DefaultStatusColumn
	}
	return s.StatusColumn
}

func (s *Source) open(ctx context.Context, key string) (*excelize.File, error) {
	out, err := s.S3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.Bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.Bucket, key, err)
	}
	defer out.Body.Close()
	f, err := excelize.OpenReader(out.Body)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", key, err)
	}
	return f, nil
}

func (s *Source) ReadRecipients(ctx context.Context, key, sheet string) ([]recipients.Recipient, error) {
	f, err := s.open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return recipients.Parse(rows, s.statusColumn())
}

func (s *Source) MarkSent(ctx context.Context, key string, rows []int) error {
	if len(rows) == 0 {
		return nil
	}
	if s.Locker != nil {
		unlock, err := s.Locker.Lock(ctx, "xlsx:"+s.Bucket+"/"+key)
		if err != nil {
			return err
		}
		defer unlock()
	}

	f, err := s.open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	all, err := f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	var header []string
	if len(all) > 0 {
		header = all[0]
	}
	col := recipients.StatusColumnIndex(header, s.statusColumn()) + 1
	if col == 0 {
		col = len(header) + 1
		cell, _ := excelize.CoordinatesToCellName(col, 1)
		if err := f.SetCellValue(sheet, cell, s.statusColumn()); err != nil {
			return err
		}
	}
	for _, r := range rows {
		cell, err := excelize.CoordinatesToCellName(col, r)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, recipients.SentValue); err != nil {
			return err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("write workbook %s: %w", key, err)
	}
	_, err = s.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.Bucket, key, err)
	}
	return nil
}
