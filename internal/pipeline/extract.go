package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	pdfPlaceholder  = "This is placeholder text extracted from a PDF file."
	docxPlaceholder = "This is placeholder text extracted from a DOCX file."
)

// ExtractText 按 MIME 类型提取文件文本。不支持的类型返回空字符串。
func ExtractText(filePath, mimeType string) (string, error) {
	mimeType = normalizeMime(mimeType)
	switch {
	case mimeType == "text/csv" || mimeType == "application/csv":
		f, err := os.Open(filePath)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return extractCSV(f)
	case strings.HasPrefix(mimeType, "text/"):
		b, err := os.ReadFile(filePath)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case mimeType == "application/json":
		b, err := os.ReadFile(filePath)
		if err != nil {
			return "", err
		}
		return extractJSON(b)
	case mimeType == MimePDF:
		return pdfPlaceholder, nil
	case mimeType == MimeDOCX:
		return docxPlaceholder, nil
	default:
		return "", nil
	}
}

// normalizeMime 去掉 charset 之类的参数。
func normalizeMime(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// extractCSV 以第一行作为表头，每行输出为 "header: value, header: value"。
func extractCSV(r io.Reader) (string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("解析 CSV 表头失败: %w", err)
	}

	var sb strings.Builder
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("解析 CSV 失败: %w", err)
		}
		if isBlankRecord(record) {
			continue
		}
		fields := make([]string, 0, len(header))
		for i, h := range header {
			v := ""
			if i < len(record) {
				v = record[i]
			}
			fields = append(fields, h+": "+v)
		}
		sb.WriteString(strings.Join(fields, ", "))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func isBlankRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func extractJSON(b []byte) (string, error) {
	var out bytes.Buffer
	if err := json.Indent(&out, bytes.TrimSpace(b), "", "  "); err != nil {
		return "", fmt.Errorf("解析 JSON 失败: %w", err)
	}
	return out.String(), nil
}
