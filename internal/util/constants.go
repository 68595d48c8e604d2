package util

const (
	ProviderPlatform = "platform"
	ProviderMinio    = "minio"
	ProviderSpool    = "spool"
)

// 答题文件上传相关常量
const (
	MimeSpreadsheetZip = "application/zip"
	MimeText           = "text/"
	MimeOctetStream    = "application/octet-stream"

	MaxAnswerFileSize = 10 << 20
)

var (
	AllowedAnswerExtensions = []string{".xlsx", ".xls", ".csv"}

	// AllowedAnswerMimeTypes 内容嗅探白名单。xlsx 实为 zip 包，
	// 旧版 xls 是复合文档只能识别为字节流，csv 归入 text/ 前缀
	AllowedAnswerMimeTypes = []string{MimeSpreadsheetZip, MimeText, MimeOctetStream}
)
