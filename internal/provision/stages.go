package provision

import (
	"context"
	"fmt"
	"path"
	"strings"

	"appdeploy/internal/shared/eventbus"
	"appdeploy/internal/shared/model"
)

// ProgressTable 各阶段完成后的累计进度（阶段 1..12）
var ProgressTable = [model.TotalStages]int{5, 15, 35, 40, 45, 50, 70, 75, 80, 85, 90, 95}

// StageFunc 阶段主体
type StageFunc func(sc *StageContext) error

// Stage 流水线阶段描述
type Stage struct {
	Ordinal  int
	Name     string
	Progress int
	Run      StageFunc
}

// StageContext 阶段执行所需的全部依赖
type StageContext struct {
	Ctx      context.Context
	Session  Session
	Config   *model.DeploymentConfig
	Settings Settings
	Reporter Reporter

	// SecretKey 本次运行写入 .env 的 Django SECRET_KEY，重试时保持不变
	SecretKey string
}

// Info 推送 info 日志
func (sc *StageContext) Info(msg string) {
	sc.Reporter.Log(msg, eventbus.SeverityInfo)
}

// Success 推送 success 日志
func (sc *StageContext) Success(msg string) {
	sc.Reporter.Log(msg, eventbus.SeveritySuccess)
}

// Sudo 以特权执行，总是应答 sudo 密码提示
func (sc *StageContext) Sudo(command string, responders ...Responder) error {
	rs := append([]Responder{SudoPasswordResponder(sc.Config.Password)}, responders...)
	_, err := sc.Session.RunPrivileged(sc.Ctx, command, rs...)
	return err
}

// SudoAsAccount 以服务账号的登录 shell 执行
func (sc *StageContext) SudoAsAccount(script string) error {
	return sc.Sudo(fmt.Sprintf("su -l %s -c %s", sc.Settings.AppAccount, shellQuote(script)))
}

// 远程主机目录布局
func (sc *StageContext) accountHome() string {
	return "/home/" + sc.Settings.AppAccount
}

func (sc *StageContext) repositoriesDir() string {
	return sc.accountHome() + "/web/repositories"
}

func (sc *StageContext) backendDir() string {
	return sc.repositoriesDir() + "/" + repoName(sc.Settings.BackendRepo)
}

// DefaultStages 固定的阶段列表
func DefaultStages() []Stage {
	funcs := []struct {
		name string
		run  StageFunc
	}{
		{"update_system", updateSystem},
		{"install_dependencies", installDependencies},
		{"configure_database", configureDatabase},
		{"configure_broker", configureBroker},
		{"configure_app_account", configureAppAccount},
		{"clone_repositories", cloneRepositories},
		{"configure_environment", configureEnvironment},
		{"configure_project_services", configureProjectServices},
		{"configure_worker", configureWorker},
		{"configure_nginx", configureNginx},
		{"register_certificates", registerCertificates},
		{"restart_services", restartServices},
	}

	stages := make([]Stage, len(funcs))
	for i, f := range funcs {
		stages[i] = Stage{Ordinal: i + 1, Name: f.name, Progress: ProgressTable[i], Run: f.run}
	}
	return stages
}

// preStageProgress 阶段开始前的进度标记
func preStageProgress(stages []Stage, ordinal int) int {
	if ordinal <= 1 {
		return 0
	}
	return stages[ordinal-2].Progress
}

// ============================================================================
// 阶段实现
// ============================================================================

func updateSystem(sc *StageContext) error {
	sc.Info("Updating modules' database")
	err := sc.Sudo("apt-get update && apt-get -o Dpkg::Options::=--force-confold -s upgrade -y", KeepLocalConfigResponder())
	if err != nil {
		return err
	}
	sc.Success("Modules updated")
	return nil
}

func installDependencies(sc *StageContext) error {
	sc.Info("Preparing for linux dependencies installation...")
	if err := sc.Sudo("apt-get install -y wget gnupg ca-certificates curl", KeepLocalConfigResponder()); err != nil {
		return err
	}

	sc.Info("Preparing rabbitmq repo...")
	if err := sc.Sudo("wget -O- https://github.com/rabbitmq/signing-keys/releases/download/2.0/rabbitmq-release-signing-key.asc | apt-key add -", KeepLocalConfigResponder()); err != nil {
		return err
	}

	sc.Info("Preparing node.js repo...")
	if err := sc.Sudo(nodeRepoScript); err != nil {
		return err
	}

	sc.Info("Installing linux modules, this can take a while...")
	if err := sc.Sudo("apt-get update && apt-get install -y "+strings.Join(systemPackages, " "), KeepLocalConfigResponder()); err != nil {
		return err
	}

	sc.Success("Linux modules installed successfully.")
	return nil
}

// configureDatabase 角色和库已存在时跳过创建
func configureDatabase(sc *StageContext) error {
	sc.Info("Configuring database...")
	db := sc.Config.Database

	role := fmt.Sprintf("CREATE USER %s WITH PASSWORD %s;", pgIdent(db.Username), pgLiteral(db.Password))
	database := fmt.Sprintf("CREATE DATABASE %s OWNER %s ENCODING 'UTF8';", pgIdent(db.Name), pgIdent(db.Username))

	script := strings.Join([]string{
		"set -e",
		psqlUnless(fmt.Sprintf("SELECT 1 FROM pg_roles WHERE rolname=%s", pgLiteral(db.Username)), role),
		psqlUnless(fmt.Sprintf("SELECT 1 FROM pg_database WHERE datname=%s", pgLiteral(db.Name)), database),
	}, "\n")
	return sc.Sudo(script)
}

// configureBroker 用户和 vhost 已存在时跳过创建，权限与标签每次重设
func configureBroker(sc *StageContext) error {
	sc.Info("Configuring broker...")
	if err := sc.Sudo("systemctl start rabbitmq-server && rabbitmq-plugins enable rabbitmq_management"); err != nil {
		return err
	}

	br := sc.Config.Broker
	user, vhost := shellQuote(br.Username), shellQuote(br.VHost)
	script := strings.Join([]string{
		"set -e",
		fmt.Sprintf("rabbitmqctl list_users -q | cut -f1 | grep -qxF %s || rabbitmqctl add_user %s %s", user, user, shellQuote(br.Password)),
		fmt.Sprintf("rabbitmqctl set_user_tags %s administrator", user),
		fmt.Sprintf("rabbitmqctl list_vhosts -q | grep -qxF %s || rabbitmqctl add_vhost %s", vhost, vhost),
		fmt.Sprintf(`rabbitmqctl set_permissions -p / %s ".*" ".*" ".*"`, user),
		fmt.Sprintf(`rabbitmqctl set_permissions -p %s %s ".*" ".*" ".*"`, vhost, user),
	}, "\n")
	if err := sc.Sudo(script); err != nil {
		return err
	}

	return sc.Sudo("service rabbitmq-server restart")
}

func configureAppAccount(sc *StageContext) error {
	sc.Info(fmt.Sprintf("Configuring %s user...", sc.Settings.AppAccount))
	account := sc.Settings.AppAccount
	script := strings.Join([]string{
		"set -e",
		fmt.Sprintf("id -u %s >/dev/null 2>&1 || useradd -m %s", account, account),
		fmt.Sprintf("usermod -aG sudo %s", account),
		fmt.Sprintf("printf '%%s\\n' %s | chpasswd", shellQuote(account+":"+sc.Config.App.Password)),
		appendLineOnce(sc.accountHome()+"/.bashrc", "export GNUTLS_CPUID_OVERRIDE=0x1"),
	}, "\n")
	return sc.Sudo(script)
}

// cloneRepositories 仓库目录已存在时不再克隆
func cloneRepositories(sc *StageContext) error {
	sc.Info("Downloading project files...")
	backend, frontend := repoName(sc.Settings.BackendRepo), repoName(sc.Settings.FrontendRepo)
	script := strings.Join([]string{
		"set -e",
		"mkdir -p " + sc.repositoriesDir(),
		"cd " + sc.repositoriesDir(),
		fmt.Sprintf("[ -d %s/.git ] || git clone %s", backend, cloneURL(sc.Settings.BackendRepo, sc.Config.GithubKey)),
		"cd " + backend,
		"pip3 install -r requirements.txt",
		fmt.Sprintf("[ -d %s/.git ] || git clone %s", frontend, cloneURL(sc.Settings.FrontendRepo, sc.Config.GithubKey)),
		"cd " + frontend,
		"npm install",
		"npm run build",
		"cd ..",
		"mkdir -p templates/panel/",
		"cp staticfiles/index.html templates/panel/",
	}, "\n")
	return sc.SudoAsAccount(script)
}

func configureEnvironment(sc *StageContext) error {
	sc.Info("Configuring project environment...")
	content, err := renderTemplate(envFileTemplate, sc.templateData())
	if err != nil {
		return err
	}
	envPath := sc.backendDir() + "/.env"
	script := writeFile(envPath, content) + "\n" +
		fmt.Sprintf("chown %s:%s %s", sc.Settings.AppAccount, sc.Settings.AppAccount, envPath)
	return sc.Sudo(script)
}

// configureProjectServices 超级用户已存在时不再创建
func configureProjectServices(sc *StageContext) error {
	sc.Info("Configuring project services...")
	app := sc.Config.App
	superuser := fmt.Sprintf(`from django.contrib.auth import get_user_model
User = get_user_model()
if not User.objects.filter(username=%s).exists():
    User.objects.create_superuser(%s, %s, %s)`,
		pyLiteral(app.Username), pyLiteral(app.Username), pyLiteral(app.Email), pyLiteral(app.Password))

	script := strings.Join([]string{
		"set -e",
		"cd " + sc.backendDir(),
		"python3 manage.py makemigrations",
		"python3 manage.py migrate",
		"python3 manage.py shell <<'APPDEPLOY_PY'",
		superuser,
		"APPDEPLOY_PY",
		"screen -ls | grep -q celery_worker || screen -dmS celery_worker bash -c 'celery -A config worker -l info'",
	}, "\n")
	return sc.SudoAsAccount(script)
}

func configureWorker(sc *StageContext) error {
	sc.Info("Configuring celery worker...")
	conf, err := renderTemplate(supervisorTemplate, sc.templateData())
	if err != nil {
		return err
	}
	account := sc.Settings.AppAccount
	runner := sc.backendDir() + "/celery_runner.sh"
	script := strings.Join([]string{
		"set -e",
		"mkdir -p /var/log/celery",
		"chown " + account + " /var/log/celery",
		writeFile(fmt.Sprintf("/etc/supervisor/conf.d/%s.conf", account), conf),
		"chmod +x " + runner,
		"supervisorctl reread",
		"supervisorctl update",
		"supervisorctl restart celery",
	}, "\n")
	return sc.Sudo(script)
}

func configureNginx(sc *StageContext) error {
	sc.Info("Configuring nginx backend...")
	data := sc.templateData()
	socket, err := renderTemplate(gunicornSocketTemplate, data)
	if err != nil {
		return err
	}
	service, err := renderTemplate(gunicornServiceTemplate, data)
	if err != nil {
		return err
	}
	home, account := sc.accountHome(), sc.Settings.AppAccount
	script := strings.Join([]string{
		"set -e",
		fmt.Sprintf("chown -R %s:%s %s", account, account, home),
		"chmod -R 775 " + home,
		"chgrp -R www-data " + home,
		"ufw allow 'Nginx Full'",
		writeFile("/etc/systemd/system/gunicorn.socket", socket),
		writeFile("/etc/systemd/system/gunicorn.service", service),
		`sed -i "/server_names_hash_bucket_size/s/# *//;s/server_names_hash_bucket_size .*/server_names_hash_bucket_size 128;/" /etc/nginx/nginx.conf`,
	}, "\n")
	return sc.Sudo(script)
}

func registerCertificates(sc *StageContext) error {
	sc.Info("Registering domains' ssl certificates...")
	app := sc.Config.App
	certbot := fmt.Sprintf("certbot --register-unsafely-without-email --nginx --agree-tos -n -d %s -d %s",
		shellQuote(app.AdminDomain), shellQuote(app.UserDomain))
	if err := sc.Sudo(certbot); err != nil {
		return err
	}

	site, err := renderTemplate(nginxSiteTemplate, sc.templateData())
	if err != nil {
		return err
	}
	available := "/etc/nginx/sites-available/" + sc.Settings.AppAccount
	script := strings.Join([]string{
		"set -e",
		writeFile(available, site),
		"ln -sf " + available + " /etc/nginx/sites-enabled/",
		"rm -f /etc/nginx/sites-enabled/default",
	}, "\n")
	if err := sc.Sudo(script); err != nil {
		return err
	}

	return sc.Sudo("chown -R www-data:www-data /etc/letsencrypt/\nchmod -R 755 /etc/letsencrypt/")
}

func restartServices(sc *StageContext) error {
	sc.Info("Restarting server services...")
	return sc.Sudo(strings.Join([]string{
		"systemctl daemon-reload",
		"systemctl restart gunicorn",
		"systemctl restart nginx",
		"systemctl start supervisor",
		"systemctl enable supervisor",
		"systemctl enable gunicorn",
		"systemctl enable nginx",
		"systemctl enable postgresql",
		"systemctl enable rabbitmq-server",
	}, "\n"))
}

// ============================================================================
// 命令拼装
// ============================================================================

var systemPackages = []string{
	"nginx", "python3-pip", "python3-dev", "python3-certbot-nginx", "postgresql", "postgresql-contrib",
	"git", "rabbitmq-server", "nodejs", "python3-venv", "supervisor",
}

const nodeRepoScript = `mkdir -p /etc/apt/keyrings
curl -fsSL https://deb.nodesource.com/gpgkey/nodesource-repo.gpg.key | gpg --dearmor --yes -o /etc/apt/keyrings/nodesource.gpg
echo "deb [signed-by=/etc/apt/keyrings/nodesource.gpg] https://deb.nodesource.com/node_18.x nodistro main" | tee /etc/apt/sources.list.d/nodesource.list`

// shellQuote 单引号转义
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func pgLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// pyLiteral Python 字符串字面量
func pyLiteral(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

// psqlUnless 查询无结果时执行语句
func psqlUnless(query, statement string) string {
	return fmt.Sprintf("sudo -u postgres psql -tAc %s | grep -q 1 || sudo -u postgres psql -c %s",
		shellQuote(query), shellQuote(statement))
}

func appendLineOnce(file, line string) string {
	return fmt.Sprintf("grep -qxF %s %s || echo %s >> %s", shellQuote(line), file, shellQuote(line), file)
}

// writeFile 用带引号的 heredoc 写文件，内容不做变量展开
func writeFile(file, content string) string {
	return fmt.Sprintf("cat > %s <<'APPDEPLOY_EOF'\n%s\nAPPDEPLOY_EOF", file, strings.TrimRight(content, "\n"))
}

// repoName github.com/owner/Repo -> Repo
func repoName(repo string) string {
	return strings.TrimSuffix(path.Base(repo), ".git")
}

func cloneURL(repo, token string) string {
	return fmt.Sprintf("https://oauth2:%s@%s.git", token, strings.TrimSuffix(repo, ".git"))
}

// bashrcPreparation 连接后为管理员账号追加的环境变量
func bashrcPreparation() string {
	return appendLineOnce(".bashrc", "export GNUTLS_CPUID_OVERRIDE=0x1") + "\n" +
		appendLineOnce(".bashrc", "export DEBIAN_FRONTEND=noninteractive")
}
