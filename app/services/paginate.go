package services

import (
	"context"
	"fmt"
	"strconv"

	apputility "agent_sapo/app/utility"
)

// Giới hạn của các lượt quét trang Sapo
const (
	SapoMaxPageLimit  = 250  // limit tối đa Sapo chấp nhận
	ProductMaxPages   = 1000 // trần an toàn cho products
	ReferenceMaxPages = 10   // trần cho dữ liệu tham chiếu (nguồn đơn, đơn vị vận chuyển)
)

// PageFetcher lấy một trang và trả về các phần tử của trang đó
type PageFetcher func(ctx context.Context, page, limit int) ([]map[string]interface{}, error)

// PageScan là tham số của một lượt quét
type PageScan struct {
	Limit    int                             // Số phần tử mỗi trang, 0 = SapoMaxPageLimit
	MaxPages int                             // Trần số trang, 0 = ReferenceMaxPages
	Pacer    *apputility.AdaptiveRateLimiter // Nghỉ giữa các trang, nil = không nghỉ
}

// PageVisitor xử lý các phần tử của một trang
type PageVisitor func(page int, items []map[string]interface{}) error

// ScanPages quét từ page=1 cho đến khi gặp trang rỗng, trang có ít hơn limit phần tử,
// hoặc chạm MaxPages. Lỗi lấy trang hoặc lỗi của visit dừng lượt quét.
// Trả về số trang đã xử lý.
func ScanPages(ctx context.Context, scan PageScan, fetch PageFetcher, visit PageVisitor) (int, error) {
	limit := scan.Limit
	if limit <= 0 {
		limit = SapoMaxPageLimit
	}
	maxPages := scan.MaxPages
	if maxPages <= 0 {
		maxPages = ReferenceMaxPages
	}

	pages := 0
	for page := 1; page <= maxPages; page++ {
		if page > 1 && scan.Pacer != nil {
			if err := scan.Pacer.Wait(ctx); err != nil {
				return pages, err
			}
		}
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		items, err := fetch(ctx, page, limit)
		if scan.Pacer != nil {
			scan.Pacer.Observe(err)
		}
		if err != nil {
			return pages, fmt.Errorf("lấy trang %d: %w", page, err)
		}
		if len(items) == 0 {
			break
		}
		pages++
		if err := visit(page, items); err != nil {
			return pages, err
		}
		if len(items) < limit {
			break
		}
	}
	return pages, nil
}

// pageParams tạo query params page/limit và gộp thêm extra
func pageParams(page, limit int, extra map[string]string) map[string]string {
	params := map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
	for k, v := range extra {
		params[k] = v
	}
	return params
}
