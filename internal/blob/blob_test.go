package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkdrive "github.com/larksuite/oapi-sdk-go/v3/service/drive/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLocalUploadCopiesIntoRoot(t *testing.T) {
	src := writeFile(t, t.TempDir(), "shot.png", "png")
	root := t.TempDir()
	store := NewLocal(root, "/test/file/")

	url, err := store.Upload(context.Background(), src, "t1/R58M/shot.png")
	require.NoError(t, err)
	assert.Equal(t, "/test/file/t1/R58M/shot.png", url)

	copied, err := os.ReadFile(filepath.Join(root, "t1", "R58M", "shot.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(copied))
}

func TestLocalUploadInPlace(t *testing.T) {
	root := t.TempDir()
	src := writeFile(t, root, "t1/log.txt", "log")

	url, err := NewLocal(root, "/files").Upload(context.Background(), src, "t1/log.txt")
	require.NoError(t, err)
	assert.Equal(t, "/files/t1/log.txt", url)
}

func TestCleanKeyStaysInsideRoot(t *testing.T) {
	assert.Equal(t, "etc/passwd", cleanKey("../../etc/passwd", "x"))
	assert.Equal(t, "shot.png", cleanKey(" ", "/tmp/shot.png"))
}

type fakeDriveAPI struct {
	name, folder string
	size         int
	body         string
	resp         *larkdrive.UploadAllFileResp
}

func (f *fakeDriveAPI) UploadAll(ctx context.Context, fileName, folder string, size int, file io.Reader) (*larkdrive.UploadAllFileResp, error) {
	f.name, f.folder, f.size = fileName, folder, size
	raw, _ := io.ReadAll(file)
	f.body = string(raw)
	return f.resp, nil
}

func TestFeishuDriveUpload(t *testing.T) {
	token := "boxcnTOKEN"
	api := &fakeDriveAPI{resp: &larkdrive.UploadAllFileResp{
		CodeError: larkcore.CodeError{Code: 0},
		Data:      &larkdrive.UploadAllFileRespData{FileToken: &token},
	}}
	drive := newFeishuDrive(api, "fldcnFOLDER", "https://open.feishu.cn")
	src := writeFile(t, t.TempDir(), "shot.png", "png-bytes")

	url, err := drive.Upload(context.Background(), src, "t1/R58M/shot.png")
	require.NoError(t, err)
	assert.Equal(t, "https://open.feishu.cn/file/boxcnTOKEN", url)
	assert.Equal(t, "t1_R58M_shot.png", api.name)
	assert.Equal(t, "fldcnFOLDER", api.folder)
	assert.Equal(t, len("png-bytes"), api.size)
	assert.Equal(t, "png-bytes", api.body)
}

func TestFeishuDriveUploadFailure(t *testing.T) {
	api := &fakeDriveAPI{resp: &larkdrive.UploadAllFileResp{
		CodeError: larkcore.CodeError{Code: 1061002, Msg: "params error"},
	}}
	drive := newFeishuDrive(api, "fldcnFOLDER", "https://open.feishu.cn")
	src := writeFile(t, t.TempDir(), "shot.png", "png")

	_, err := drive.Upload(context.Background(), src, "shot.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code=1061002")

	_, err = drive.Upload(context.Background(), writeFile(t, t.TempDir(), "empty.png", ""), "empty.png")
	assert.Error(t, err)
}

func TestNewFeishuDriveRequiresCredentials(t *testing.T) {
	_, err := NewFeishuDrive(FeishuDriveConfig{FolderToken: "x"})
	assert.Error(t, err)
	_, err = NewFeishuDrive(FeishuDriveConfig{AppID: "a", AppSecret: "b"})
	assert.Error(t, err)
}
