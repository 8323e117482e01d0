package blob

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkdrive "github.com/larksuite/oapi-sdk-go/v3/service/drive/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultFeishuBaseURL = "https://open.feishu.cn"
	driveParentExplorer  = "explorer"
	// upload_all accepts files up to 20MB; larger recordings need multipart upload.
	maxUploadAllSize = 20 << 20
)

type driveFileAPI interface {
	UploadAll(ctx context.Context, fileName, folder string, size int, file io.Reader) (*larkdrive.UploadAllFileResp, error)
}

type larkDriveFileService interface {
	UploadAll(ctx context.Context, req *larkdrive.UploadAllFileReq, options ...larkcore.RequestOptionFunc) (*larkdrive.UploadAllFileResp, error)
}

type sdkDriveFileAPI struct {
	svc larkDriveFileService
}

func (a sdkDriveFileAPI) UploadAll(ctx context.Context, fileName, folder string, size int, file io.Reader) (*larkdrive.UploadAllFileResp, error) {
	req := larkdrive.NewUploadAllFileReqBuilder().
		Body(larkdrive.NewUploadAllFileReqBodyBuilder().
			FileName(fileName).
			ParentType(driveParentExplorer).
			ParentNode(folder).
			Size(size).
			File(file).
			Build()).
		Build()
	return a.svc.UploadAll(ctx, req)
}

// FeishuDriveConfig configures FeishuDrive.
type FeishuDriveConfig struct {
	AppID       string
	AppSecret   string
	BaseURL     string
	FolderToken string
	Timeout     time.Duration
}

// FeishuDrive uploads artifacts into a Feishu drive folder.
type FeishuDrive struct {
	api     driveFileAPI
	folder  string
	baseURL string
}

func NewFeishuDrive(cfg FeishuDriveConfig) (*FeishuDrive, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, errors.New("blob: feishu app id and secret are required")
	}
	if strings.TrimSpace(cfg.FolderToken) == "" {
		return nil, errors.New("blob: feishu drive folder token is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultFeishuBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
		lark.WithReqTimeout(timeout),
	}
	if baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret, opts...)
	return newFeishuDrive(sdkDriveFileAPI{svc: client.Drive.V1.File}, cfg.FolderToken, baseURL), nil
}

func newFeishuDrive(api driveFileAPI, folder, baseURL string) *FeishuDrive {
	return &FeishuDrive{api: api, folder: strings.TrimSpace(folder), baseURL: baseURL}
}

// Upload sends localPath to the configured folder; the returned URL points
// at the uploaded file.
func (d *FeishuDrive) Upload(ctx context.Context, localPath, key string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", errors.Wrap(err, "blob: stat artifact failed")
	}
	if info.Size() == 0 {
		return "", errors.Errorf("blob: artifact %s is empty", localPath)
	}
	if info.Size() > maxUploadAllSize {
		return "", errors.Errorf("blob: artifact %s exceeds %d bytes", localPath, maxUploadAllSize)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, "blob: open artifact failed")
	}
	defer file.Close()

	name := fileName(key, localPath)
	resp, err := d.api.UploadAll(ctx, name, d.folder, int(info.Size()), file)
	if err != nil {
		return "", errors.Wrap(err, "blob: feishu upload request failed")
	}
	if !resp.Success() {
		return "", errors.Errorf("blob: feishu upload failed code=%d msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.FileToken == nil || strings.TrimSpace(*resp.Data.FileToken) == "" {
		return "", errors.New("blob: feishu upload response missing file_token")
	}
	token := strings.TrimSpace(*resp.Data.FileToken)
	url := d.baseURL + "/file/" + token
	log.Debug().Str("path", localPath).Str("file_token", token).Msg("blob: artifact uploaded to feishu drive")
	return url, nil
}

// fileName flattens key into a drive file name so artifacts of different
// devices in one folder stay distinct.
func fileName(key, localPath string) string {
	key = cleanKey(key, localPath)
	if key == "" {
		return path.Base(localPath)
	}
	return strings.ReplaceAll(key, "/", "_")
}
