package fileinfo

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

var invalidFilenameChars = strings.NewReplacer(
	"/", "_", "|", "_", ":", "_", "*", "_", "?", "_",
	"'", "_", `"`, "_", "<", "_", ">", "_", `\`, "_",
)

// SanitizeFilename 把文件名中不合法的字符替换为下划线
func SanitizeFilename(name string) string {
	return invalidFilenameChars.Replace(name)
}

// FilenameFromURL 从 URL 路径中提取文件名
func FilenameFromURL(rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("无法解析提供的URL: %w", err)
	}
	filename := path.Base(parsedURL.Path)
	if filename == "" || filename == "." || filename == "/" {
		return "", fmt.Errorf("无法从URL [%s] 中自动提取有效的文件名", rawURL)
	}
	if unescaped, err := url.PathUnescape(filename); err == nil {
		filename = unescaped
	}
	return SanitizeFilename(filename), nil
}
