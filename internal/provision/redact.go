package provision

import (
	"sort"
	"strings"

	"appdeploy/internal/shared/model"
)

const redacted = "****"

// secretEscapers 命令拼装时秘密可能经过的转义，结果不含外层引号
var secretEscapers = []func(string) string{
	func(s string) string { return strings.ReplaceAll(s, "'", `'\''`) }, // shellQuote
	func(s string) string { return strings.ReplaceAll(s, "'", "''") },   // pgLiteral
	func(s string) string { // pyLiteral
		return strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`).Replace(s)
	},
}

// redactor 把密码、令牌及其转义形式替换为 ****
//
// 转义最多嵌套两层：psql 语句外再套 shellQuote，pyLiteral 外再套 SudoAsAccount 的 shellQuote
type redactor struct {
	forms    map[string]struct{}
	replacer *strings.Replacer
}

func newRedactor(cfg *model.DeploymentConfig) *redactor {
	var secrets []string
	if cfg != nil {
		secrets = []string{cfg.GithubKey, cfg.Password, cfg.PrivateKey, cfg.App.Password, cfg.Database.Password, cfg.Broker.Password}
	}
	rd := &redactor{forms: make(map[string]struct{})}
	rd.add(secrets...)
	return rd
}

// add 登记运行期间新产生的秘密（例如生成的 SECRET_KEY）
func (rd *redactor) add(secrets ...string) {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		level := []string{s}
		for depth := 0; depth <= 2; depth++ {
			var next []string
			for _, f := range level {
				rd.forms[f] = struct{}{}
				if depth == 2 {
					continue
				}
				for _, esc := range secretEscapers {
					next = append(next, esc(f))
				}
			}
			level = next
		}
	}

	// 同一位置按参数顺序匹配，较长的转义形式必须先于原文
	forms := make([]string, 0, len(rd.forms))
	for f := range rd.forms {
		forms = append(forms, f)
	}
	sort.Slice(forms, func(i, j int) bool {
		if len(forms[i]) != len(forms[j]) {
			return len(forms[i]) > len(forms[j])
		}
		return forms[i] < forms[j]
	})
	pairs := make([]string, 0, 2*len(forms))
	for _, f := range forms {
		pairs = append(pairs, f, redacted)
	}
	rd.replacer = strings.NewReplacer(pairs...)
}

func (rd *redactor) Replace(s string) string {
	return rd.replacer.Replace(s)
}
