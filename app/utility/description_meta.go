package utility

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Marker bao quanh khối JSON metadata trong description của product Sapo
const (
	MetaStartMarker = "[GDP_META]"
	MetaEndMarker   = "[/GDP_META]"
)

var metaBlockPattern = regexp.MustCompile(`(?s)` + regexp.QuoteMeta(MetaStartMarker) + `(.*?)` + regexp.QuoteMeta(MetaEndMarker))

// ExtractMeta tách khối metadata khỏi description.
// Trả về blob JSON (đã compact, nil nếu không có hoặc JSON hỏng) và phần mô tả còn lại đã trim.
// Mọi khối marker đều bị gỡ khỏi phần còn lại, blob lấy từ khối đầu tiên.
func ExtractMeta(text string) (json.RawMessage, string) {
	match := metaBlockPattern.FindStringSubmatch(text)
	if match == nil {
		return nil, strings.TrimSpace(text)
	}
	remainder := strings.TrimSpace(metaBlockPattern.ReplaceAllString(text, ""))

	raw := strings.TrimSpace(match[1])
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return nil, remainder
	}
	return json.RawMessage(buf.Bytes()), remainder
}

// InjectMeta gắn blob vào cuối mô tả: "<mô tả>\n\n[GDP_META]{...}[/GDP_META]".
// blob rỗng trả về nguyên mô tả.
func InjectMeta(remainder string, blob json.RawMessage) string {
	if len(bytes.TrimSpace(blob)) == 0 {
		return remainder
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, blob); err != nil {
		buf.Reset()
		buf.Write(blob)
	}
	block := MetaStartMarker + buf.String() + MetaEndMarker
	if remainder == "" {
		return block
	}
	return remainder + "\n\n" + block
}

// UpdateDescriptionMeta thay khối metadata của description hiện tại bằng blob, giữ nguyên mô tả gốc
func UpdateDescriptionMeta(current string, blob json.RawMessage) string {
	_, remainder := ExtractMeta(current)
	return InjectMeta(remainder, blob)
}

// VideoInfo là một video sản phẩm
type VideoInfo struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// BoxInfo là thông tin thùng
type BoxInfo struct {
	FullBox  *int     `json:"full_box"`  // Số cái/thùng
	LengthCM *float64 `json:"length_cm"` // Chiều dài (cm)
	WidthCM  *float64 `json:"width_cm"`
	HeightCM *float64 `json:"height_cm"`
}

// PackedInfo là thông tin đóng gói một chiếc
type PackedInfo struct {
	LengthCM          *float64 `json:"length_cm"`
	WidthCM           *float64 `json:"width_cm"`
	HeightCM          *float64 `json:"height_cm"`
	WeightWithBoxG    *float64 `json:"weight_with_box_g"`
	WeightWithoutBoxG *float64 `json:"weight_without_box_g"`
	ConvertedWeightG  *float64 `json:"converted_weight_g"` // dài x rộng x cao / 6000
}

// VariantMeta là metadata mở rộng của một variant
type VariantMeta struct {
	ID           int64       `json:"id"`
	PriceTQ      *float64    `json:"price_tq"` // Giá nhân dân tệ
	SkuTQ        *string     `json:"sku_tq"`
	NameTQ       *string     `json:"name_tq"`
	BoxInfo      *BoxInfo    `json:"box_info,omitempty"`
	PackedInfo   *PackedInfo `json:"packed_info,omitempty"`
	SkuModelXNK  *string     `json:"sku_model_xnk"`
	WebVariantID []string    `json:"web_variant_id"`
}

// NhanPhuInfo là thông tin nhãn phụ
type NhanPhuInfo struct {
	ViName      *string `json:"vi_name"`
	EnName      *string `json:"en_name"`
	Description *string `json:"description"`
	Material    *string `json:"material"`
	HDSD        *string `json:"hdsd"` // Hướng dẫn sử dụng
}

// ProductMeta là metadata mở rộng của product, lưu trong description
type ProductMeta struct {
	Description       *string       `json:"description"`
	Videos            []VideoInfo   `json:"videos"`
	VideoPrimary      *VideoInfo    `json:"video_primary"`
	NhanPhuInfo       *NhanPhuInfo  `json:"nhanphu_info"`
	WarrantyMonths    *int          `json:"warranty_months"`
	WebProductID      *string       `json:"web_product_id,omitempty"`
	CustomDescription *string       `json:"custom_description,omitempty"`
	Variants          []VariantMeta `json:"variants"`
}

// NewProductMeta tạo metadata rỗng đầy đủ cấu trúc cho các variant
func NewProductMeta(variantIDs []int64) *ProductMeta {
	meta := &ProductMeta{
		Videos:      []VideoInfo{},
		NhanPhuInfo: &NhanPhuInfo{},
		Variants:    make([]VariantMeta, 0, len(variantIDs)),
	}
	for _, id := range variantIDs {
		meta.Variants = append(meta.Variants, VariantMeta{
			ID:           id,
			BoxInfo:      &BoxInfo{},
			PackedInfo:   &PackedInfo{},
			WebVariantID: []string{},
		})
	}
	return meta
}

// ParseProductMeta đọc ProductMeta từ description. Không có khối hoặc JSON hỏng thì meta = nil.
func ParseProductMeta(description string) (*ProductMeta, string) {
	blob, remainder := ExtractMeta(description)
	if blob == nil {
		return nil, remainder
	}
	var meta ProductMeta
	if err := json.Unmarshal(blob, &meta); err != nil {
		return nil, remainder
	}
	return &meta, remainder
}

// Blob serialize meta thành JSON compact
func (m *ProductMeta) Blob() (json.RawMessage, error) {
	return json.Marshal(m)
}

// Variant trả về metadata của variant, nil nếu chưa có
func (m *ProductMeta) Variant(id int64) *VariantMeta {
	for i := range m.Variants {
		if m.Variants[i].ID == id {
			return &m.Variants[i]
		}
	}
	return nil
}

// SetVariant thay metadata của variant, chưa có thì thêm vào cuối
func (m *ProductMeta) SetVariant(v VariantMeta) {
	for i := range m.Variants {
		if m.Variants[i].ID == v.ID {
			m.Variants[i] = v
			return
		}
	}
	m.Variants = append(m.Variants, v)
}
