package cuda

import (
	"crypto/md5"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/log"
)

const (
	relativePathToKernels = "kernels"

	// Environment variable with extra nvcc flags appended to every
	// kernel compilation.
	extraCflagsEnvVar = "BOREALIS_CUDA_EXTRA_CFLAGS"
)

// Kernel module roles. Each role maps to one loadable cubin.
const (
	roleRender = "render"
	roleSplit  = "render_split"
	roleFilter = "filter"
)

var nvccVersionRegex = regexp.MustCompile(`release (\d+)\.(\d+)`)

// A kernelCompiler resolves the cubin backing a kernel module role. It
// prefers binaries shipped with the release, falls back to the user cache
// and only compiles from source on a cache miss.
type kernelCompiler struct {
	logger log.Logger

	// Directory holding the kernel sources and the lib subdirectory with
	// shipped binaries.
	sourceDir string

	// Directory receiving compiled cubins. Resolved to a borealis
	// subdirectory of the user cache when empty.
	cacheDir string

	// Path to the nvcc binary. Looked up in PATH when empty.
	nvcc string
}

// Create a kernel compiler rooted at the bundled kernel sources.
func newKernelCompiler(logger log.Logger, cacheDir, nvcc string) *kernelCompiler {
	_, thisFile, _, _ := runtime.Caller(0)
	return &kernelCompiler{
		logger:    logger,
		sourceDir: path.Join(path.Dir(thisFile), relativePathToKernels),
		cacheDir:  cacheDir,
		nvcc:      nvcc,
	}
}

// cubinPath resolves the kernel binary for a module role targeting the
// given compute capability, compiling it if no usable binary exists yet.
func (c *kernelCompiler) cubinPath(role string, major, minor int, features device.RequestedFeatures) (string, error) {
	arch := fmt.Sprintf("sm_%d%d", major, minor)

	if !features.AdaptiveCompile {
		shipped := filepath.Join(c.sourceDir, "lib", fmt.Sprintf("%s_%s.cubin", role, arch))
		if _, err := os.Stat(shipped); err == nil {
			return shipped, nil
		}
	}

	flags := compileFlags(role, arch, features)
	hash, err := c.sourceHash(flags)
	if err != nil {
		return "", err
	}

	cacheDir, err := c.resolveCacheDir()
	if err != nil {
		return "", err
	}

	cubin := filepath.Join(cacheDir, fmt.Sprintf("%s_%s_%s.cubin", role, arch, hash))
	if _, err = os.Stat(cubin); err == nil {
		c.logger.Debugf("using cached %s kernels: %s", role, cubin)
		return cubin, nil
	}

	if err = c.compile(role, arch, cubin, flags); err != nil {
		return "", err
	}
	return cubin, nil
}

// compile invokes nvcc to build the cubin for a module role.
func (c *kernelCompiler) compile(role, arch, cubin string, flags []string) error {
	nvcc := c.nvcc
	if nvcc == "" {
		var err error
		if nvcc, err = exec.LookPath("nvcc"); err != nil {
			return ErrNvccNotFound
		}
	}

	major, minor, err := nvccVersion(nvcc)
	if err != nil {
		return err
	}
	if major < 10 || (major == 10 && minor < 1) {
		return fmt.Errorf("cuda device: nvcc 10.1 or newer is required to compile kernels; found %d.%d", major, minor)
	}

	source := filepath.Join(c.sourceDir, roleSource(role))
	args := append([]string{source, "-o", cubin}, flags...)

	c.logger.Noticef("compiling %s kernels for %s; this may take a few minutes", role, arch)
	out, err := exec.Command(nvcc, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("cuda device: kernel compilation failed: %v\n%s", err, out)
	}
	if _, err = os.Stat(cubin); err != nil {
		return ErrMissingCubin
	}

	c.logger.Debugf("compiled %s kernels: %s", role, cubin)
	return nil
}

// sourceHash fingerprints the kernel sources together with the compile
// flags so that stale cache entries are never reused.
func (c *kernelCompiler) sourceHash(flags []string) (string, error) {
	entries, err := os.ReadDir(c.sourceDir)
	if err != nil {
		return "", fmt.Errorf("cuda device: failed to scan kernel sources: %v", err)
	}

	var names []string
	for _, entry := range entries {
		if ext := filepath.Ext(entry.Name()); ext == ".cu" || ext == ".h" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	hash := md5.New()
	fmt.Fprintln(hash, strings.Join(flags, " "))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(c.sourceDir, name))
		if err != nil {
			return "", fmt.Errorf("cuda device: failed to read kernel source %s: %v", name, err)
		}
		fmt.Fprintln(hash, name)
		hash.Write(data)
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

func (c *kernelCompiler) resolveCacheDir() (string, error) {
	dir := c.cacheDir
	if dir == "" {
		userCache, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("cuda device: failed to resolve the kernel cache location: %v", err)
		}
		dir = filepath.Join(userCache, "borealis", "kernels")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("cuda device: failed to create kernel cache dir %s: %v", dir, err)
	}
	return dir, nil
}

func compileFlags(role, arch string, features device.RequestedFeatures) []string {
	flags := []string{
		"-arch=" + arch,
		"--cubin",
		"--use_fast_math",
		"-DKERNEL_MAX_CLOSURES=" + strconv.Itoa(features.MaxClosures),
	}
	if role == roleSplit {
		flags = append(flags, "-D__SPLIT_KERNEL__")
	}
	if extra := os.Getenv(extraCflagsEnvVar); extra != "" {
		flags = append(flags, strings.Fields(extra)...)
	}
	return flags
}

// The main source file compiled for a module role. The split variant builds
// from the render sources with the split entry points enabled.
func roleSource(role string) string {
	if role == roleFilter {
		return "filter.cu"
	}
	return "render.cu"
}

// nvccVersion extracts the toolkit version from nvcc --version output.
func nvccVersion(nvcc string) (major, minor int, err error) {
	out, err := exec.Command(nvcc, "--version").CombinedOutput()
	if err != nil {
		return 0, 0, fmt.Errorf("cuda device: failed to probe the nvcc version: %v", err)
	}

	match := nvccVersionRegex.FindSubmatch(out)
	if match == nil {
		return 0, 0, fmt.Errorf("cuda device: failed to parse the nvcc version output")
	}
	major, _ = strconv.Atoi(string(match[1]))
	minor, _ = strconv.Atoi(string(match[2]))
	return major, minor, nil
}
