package privileged

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dumpsysTimeLayout = "2006-01-02 15:04:05"

// sumSizes adds up "<size>" or "<size> <name>" lines. When re is set only
// lines whose name matches are counted.
func sumSizes(out []byte, re *regexp.Regexp) (int64, error) {
	var total int64
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sizeStr, name, _ := strings.Cut(line, " ")
		if re != nil && !re.MatchString(name) {
			continue
		}
		n, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse size %q: %w", sizeStr, err)
		}
		total += n
	}
	return total, scanner.Err()
}

func parsePackagePaths(out []byte) []string {
	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if p, ok := strings.CutPrefix(line, "package:"); ok && p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// parseDumpsys extracts version and install fields from `dumpsys package`
// output. UID is the app id only; the caller adds the user offset.
func parseDumpsys(packageID string, out []byte) (PackageInfo, error) {
	info := PackageInfo{PackageID: packageID}
	header := "Package [" + packageID + "]"
	inPackage := false
	var seenVersionCode, seenVersionName, seenInstall, seenUID bool

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "Unable to find package") {
			return PackageInfo{}, fmt.Errorf("%s: %w", packageID, ErrPackageNotFound)
		}
		if strings.HasPrefix(line, "Package [") {
			inPackage = strings.HasPrefix(line, header)
			continue
		}
		if !inPackage {
			continue
		}

		for _, field := range strings.Fields(line) {
			key, value, ok := strings.Cut(field, "=")
			if !ok {
				continue
			}
			switch key {
			case "versionCode":
				if !seenVersionCode {
					info.VersionCode, _ = strconv.ParseInt(value, 10, 64)
					seenVersionCode = true
				}
			case "userId", "appId":
				if uid, err := strconv.Atoi(value); err == nil && uid > 0 && !seenUID {
					info.UID = uid
					seenUID = true
				}
			}
		}

		switch {
		case strings.HasPrefix(line, "versionName=") && !seenVersionName:
			info.VersionName = strings.TrimPrefix(line, "versionName=")
			seenVersionName = true
		case strings.HasPrefix(line, "firstInstallTime=") && !seenInstall:
			if t, err := time.ParseInLocation(dumpsysTimeLayout, strings.TrimPrefix(line, "firstInstallTime="), time.Local); err == nil {
				info.FirstInstallTime = t.UnixMilli()
			}
			seenInstall = true
		}
	}
	if err := scanner.Err(); err != nil {
		return PackageInfo{}, err
	}
	if !seenVersionCode && !seenVersionName {
		return PackageInfo{}, fmt.Errorf("%s: %w", packageID, ErrPackageNotFound)
	}
	if !seenUID {
		return PackageInfo{}, fmt.Errorf("%s: %w", packageID, ErrNoAppID)
	}
	return info, nil
}
