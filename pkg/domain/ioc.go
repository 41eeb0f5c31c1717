package domain

// IOCType classifies an indicator of compromise. The values double as the
// keys of normalized_data.iocs_extracted and as the ioc_type field of
// intel queries and aggregates.
type IOCType string

const (
	IOCTypeIP     IOCType = "ip"
	IOCTypeDomain IOCType = "domain"
	IOCTypeURL    IOCType = "url"
	IOCTypeMD5    IOCType = "hash_md5"
	IOCTypeSHA1   IOCType = "hash_sha1"
	IOCTypeSHA256 IOCType = "hash_sha256"
	IOCTypeEmail  IOCType = "email"
)

// IOC pairs an indicator value with its classified kind.
type IOC struct {
	Type  IOCType `json:"ioc_type"`
	Value string  `json:"ioc"`
}

// IsHash reports whether the kind is one of the file-hash buckets.
func (t IOCType) IsHash() bool {
	return t == IOCTypeMD5 || t == IOCTypeSHA1 || t == IOCTypeSHA256
}

// HashTypeForLength buckets a hex digest by length: 32 chars MD5, 40 SHA-1,
// 64 SHA-256. ok is false for any other length.
func HashTypeForLength(n int) (IOCType, bool) {
	switch n {
	case 32:
		return IOCTypeMD5, true
	case 40:
		return IOCTypeSHA1, true
	case 64:
		return IOCTypeSHA256, true
	default:
		return "", false
	}
}
