package baseline

import (
	"bytes"
	"context"
	"net"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quorumfield/stabilizer-cli/internal/resilience"
)

const ftpDialTimeout = 30 * time.Second

// publishFTP uploads the publication triple to an ftp:// shared
// location, creating the per-node directory if needed. Credentials
// come from the URL userinfo; anonymous is the default. Transient
// failures retry the whole dial-login-upload sequence so a half-done
// upload is always overwritten by the next attempt.
func publishFTP(ctx context.Context, dest, nodeID, base string, summaryJSON, entriesJSON, receipt []byte) (*Publication, error) {
	host, root, user, pass, err := parseFTPDest(dest)
	if err != nil {
		return nil, err
	}

	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("baseline publish")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Publication, error) {
		return uploadFTP(host, root, user, pass, nodeID, base, summaryJSON, entriesJSON, receipt)
	})
}

func uploadFTP(host, root, user, pass, nodeID, base string, summaryJSON, entriesJSON, receipt []byte) (*Publication, error) {
	conn, err := ftp.Dial(host, ftp.DialWithTimeout(ftpDialTimeout))
	if err != nil {
		return nil, eris.Wrapf(err, "baseline: ftp dial %s", host)
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(user, pass); err != nil {
		return nil, eris.Wrap(err, "baseline: ftp login")
	}

	nodeDir := path.Join(root, nodeID)
	// MakeDir fails harmlessly when the directory already exists.
	_ = conn.MakeDir(nodeDir)

	pub := &Publication{
		SummaryPath: path.Join(nodeDir, base+".summary.json"),
		EntriesPath: path.Join(nodeDir, base+".entries.json"),
		ReceiptPath: path.Join(nodeDir, base+".receipt"),
	}
	for _, out := range []struct {
		path string
		data []byte
	}{
		{pub.EntriesPath, entriesJSON},
		{pub.SummaryPath, summaryJSON},
		{pub.ReceiptPath, receipt},
	} {
		if err := conn.Stor(out.path, bytes.NewReader(out.data)); err != nil {
			return nil, eris.Wrapf(err, "baseline: ftp store %s", out.path)
		}
	}

	zap.L().Info("baseline published over ftp",
		zap.String("node", nodeID),
		zap.String("host", host),
		zap.String("summary", pub.SummaryPath),
	)
	return pub, nil
}

func parseFTPDest(dest string) (host, root, user, pass string, err error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", "", "", "", eris.Wrap(err, "baseline: parse ftp destination")
	}
	if u.Scheme != "ftp" {
		return "", "", "", "", eris.Errorf("baseline: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	user = "anonymous"
	pass = "anonymous"
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			user = name
		}
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}

	root = u.Path
	if root == "" {
		root = "/"
	}
	return host, root, user, pass, nil
}
