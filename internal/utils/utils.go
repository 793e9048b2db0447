package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// EFFWords 从嵌入的文本文件中解析短词列表
// 每行格式为 "<编号>\t<单词>"，空行与 # 开头的行被忽略
func EFFWords(wordlistContent []byte) []string {
	lines := strings.Split(string(wordlistContent), "\n")
	words := make([]string, 0, len(lines))
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		tab := strings.Split(ln, "\t")
		if len(tab) >= 2 {
			words = append(words, strings.TrimSpace(tab[1]))
		}
	}
	return words
}

// RandWord 从给定的单词列表中随机选择一个单词
func RandWord(ws []string) string {
	if len(ws) == 0 {
		return "word"
	}
	nBig, _ := rand.Int(rand.Reader, big.NewInt(int64(len(ws))))
	return ws[nBig.Int64()]
}

// RandPhrase 随机选择 n 个单词并用空格连接
func RandPhrase(ws []string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = RandWord(ws)
	}
	return strings.Join(parts, " ")
}

// PhraseBounds 返回 n 个单词（每个 minWord..maxWord 个字母）组成的短语长度范围
func PhraseBounds(n, minWord, maxWord int) (lo, hi int) {
	if n <= 0 {
		return 0, 0
	}
	return n*minWord + n - 1, n*maxWord + n - 1
}
