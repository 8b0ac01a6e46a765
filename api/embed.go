package api

import "embed"

//go:embed openapi/*.yaml
var OpenAPIFS embed.FS

// DeploymentsDoc 部署 API 文档路径
const DeploymentsDoc = "openapi/deployments.yaml"
