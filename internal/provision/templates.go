package provision

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"text/template"

	"appdeploy/internal/shared/model"
)

// templateData 配置文件模板参数
type templateData struct {
	Account    string
	Home       string
	BackendDir string
	SecretKey  string
	Config     *model.DeploymentConfig
}

func (sc *StageContext) templateData() templateData {
	return templateData{
		Account:    sc.Settings.AppAccount,
		Home:       sc.accountHome(),
		BackendDir: sc.backendDir(),
		SecretKey:  sc.SecretKey,
		Config:     sc.Config,
	}
}

// randomSecret 32 字节随机数的十六进制形式
func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func renderTemplate(t *template.Template, data templateData) (string, error) {
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

var envFileTemplate = template.Must(template.New("env").Parse(`# Django
SECRET_KEY='{{.SecretKey}}'
DEBUG=''

# Office
AUTHORITY='https://login.microsoftonline.com/common'
OFFICE_LOGIN_REDIRECT='https://outlook.com'
OFFICE_QUERY='"wire transfer" OR "invoice" OR "bank transfer" OR "payment" OR "wiring instructions" OR "capital call" OR "investment" OR "Account payable" OR "invoice payment" "ACH payment" OR "outgoing payment" OR "controller" OR "Remittance" OR "Transfer instruction" OR "Payment instructions" OR "international payment" OR "fund transfer" OR "fund" OR "bank" OR "sort code" OR "bsb" OR "wire details" OR "iban" OR "facture" OR "distribution"'

# Gmail
GMAIL_LOGIN_REDIRECT='https://gmail.com'
GMAIL_QUERY='has:attachment'

# Database
DB_USER={{.Config.Database.Username}}
DB_PASSWORD={{.Config.Database.Password}}
DB_NAME={{.Config.Database.Name}}
DB_HOST={{.Config.Database.Host}}
DB_PORT={{.Config.Database.Port}}
DB_CONN_MAX_AGE=0

# Domains
MAIN_DOMAIN={{.Config.App.UserDomain}}
ADMIN_DOMAIN={{.Config.App.AdminDomain}}

# Broker
BR_USER={{.Config.Broker.Username}}
BR_PASSWORD={{.Config.Broker.Password}}
BR_VHOST={{.Config.Broker.VHost}}

#Proxy list file
PROXY_LIST='proxies.txt'
PROXY_ENABLED=false
`))

var supervisorTemplate = template.Must(template.New("supervisor").Parse(`[program:celery]
command={{.BackendDir}}/celery_runner.sh
directory={{.BackendDir}}
user={{.Account}}
numprocs=1
stdout_logfile=/var/log/celery/{{.Account}}.log
stderr_logfile=/var/log/celery/{{.Account}}_error.log
environment=PYTHONPATH="{{.Home}}/.local/bin/python"
autostart=true
autorestart=true
startsecs=10
stopwaitsecs = 600
`))

var gunicornSocketTemplate = template.Must(template.New("socket").Parse(`[Unit]
Description=gunicorn socket

[Socket]
ListenStream=/run/gunicorn.sock

[Install]
WantedBy=sockets.target
`))

var gunicornServiceTemplate = template.Must(template.New("service").Parse(`[Unit]
Description=gunicorn daemon
Requires=gunicorn.socket
After=network.target

[Service]
User={{.Account}}
Group=www-data
WorkingDirectory={{.BackendDir}}/
ExecStart={{.Home}}/.local/bin/gunicorn \
          --access-logfile - \
          --workers 3 \
          --bind unix:/run/gunicorn.sock \
          config.wsgi:application

[Install]
WantedBy=multi-user.target
`))

var nginxSiteTemplate = template.Must(template.New("nginx").Parse(`server {
    listen 80;
    listen [::]:80;
    server_name {{.Config.App.AdminDomain}};

    location = /favicon.ico { access_log off; log_not_found off; }
    location /static/ {
        alias {{.BackendDir}}/staticfiles/;
    }

    location /media/ {
        alias {{.BackendDir}}/media/;
    }

    location / {
        include proxy_params;
        proxy_pass http://unix:/run/gunicorn.sock;
    }

    listen [::]:443 ssl ipv6only=on; # managed by Certbot
    listen 443 ssl; # managed by Certbot
    ssl_certificate /etc/letsencrypt/live/{{.Config.App.AdminDomain}}/fullchain.pem; # managed by Certbot
    ssl_certificate_key /etc/letsencrypt/live/{{.Config.App.AdminDomain}}/privkey.pem; # managed by Certbot
    include /etc/letsencrypt/options-ssl-nginx.conf; # managed by Certbot
    ssl_dhparam /etc/letsencrypt/ssl-dhparams.pem; # managed by Certbot
}

server {
    server_name www.{{.Config.App.UserDomain}};
    return 301 $scheme://{{.Config.App.UserDomain}}$request_uri;
}
server {
    server_name www.{{.Config.App.AdminDomain}};
    return 301 $scheme://{{.Config.App.AdminDomain}}$request_uri;
}
`))
