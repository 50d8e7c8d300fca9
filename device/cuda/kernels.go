package cuda

import (
	"fmt"

	"github.com/achilleasa/borealis/device"
	"github.com/achilleasa/borealis/device/cuda/driver"
	"github.com/achilleasa/borealis/log"
)

// Module-scope global names shared with the kernel sources.
const (
	dataGlobal    = "__data"
	texInfoGlobal = "__texture_info"
)

// Entry point of the split module that reports the per-thread state size.
const stateBufferSizeKernel = "stateBufferSize"

type kernelType uint8

// The kernel entry points of the render module.
const (
	pathTraceKernel kernelType = iota
	convertToByteKernel
	convertToHalfKernel
	shaderEvalKernel
	numKernels
)

func (kt kernelType) String() string {
	switch kt {
	case pathTraceKernel:
		return "pathTrace"
	case convertToByteKernel:
		return "convertToByte"
	case convertToHalfKernel:
		return "convertToHalf"
	case shaderEvalKernel:
		return "shaderEval"
	}
	panic(fmt.Sprintf("cuda device: unsupported kernel type: %d", uint8(kt)))
}

type splitKernelType uint8

// The kernel entry points of the split render module in dispatch order. A
// split render round launches every kernel between splitSceneIntersectKernel
// and splitQueueEnqueueKernel and then retires finished work through
// splitBufferUpdateKernel.
const (
	splitDataInitKernel splitKernelType = iota
	splitSceneIntersectKernel
	splitShaderEvalKernel
	splitHoldoutEmissionKernel
	splitDirectLightingKernel
	splitShadowBlockedKernel
	splitNextIterationSetupKernel
	splitQueueEnqueueKernel
	splitBufferUpdateKernel
	numSplitKernels
)

func (kt splitKernelType) String() string {
	switch kt {
	case splitDataInitKernel:
		return "splitDataInit"
	case splitSceneIntersectKernel:
		return "splitSceneIntersect"
	case splitShaderEvalKernel:
		return "splitShaderEval"
	case splitHoldoutEmissionKernel:
		return "splitHoldoutEmission"
	case splitDirectLightingKernel:
		return "splitDirectLighting"
	case splitShadowBlockedKernel:
		return "splitShadowBlocked"
	case splitNextIterationSetupKernel:
		return "splitNextIterationSetup"
	case splitQueueEnqueueKernel:
		return "splitQueueEnqueue"
	case splitBufferUpdateKernel:
		return "splitBufferUpdate"
	}
	panic(fmt.Sprintf("cuda device: unsupported split kernel type: %d", uint8(kt)))
}

type filterKernelType uint8

// The kernel entry points of the filter module.
const (
	filterCombineHalvesKernel filterKernelType = iota
	filterDivideShadowKernel
	filterGetFeatureKernel
	filterDetectOutliersKernel
	filterNLMCalcDifferenceKernel
	filterNLMBlurKernel
	filterNLMCalcWeightKernel
	filterNLMUpdateOutputKernel
	filterNLMNormalizeKernel
	filterConstructTransformKernel
	filterNLMConstructGramianKernel
	filterFinalizeKernel
	numFilterKernels
)

func (kt filterKernelType) String() string {
	switch kt {
	case filterCombineHalvesKernel:
		return "filterCombineHalves"
	case filterDivideShadowKernel:
		return "filterDivideShadow"
	case filterGetFeatureKernel:
		return "filterGetFeature"
	case filterDetectOutliersKernel:
		return "filterDetectOutliers"
	case filterNLMCalcDifferenceKernel:
		return "filterNLMCalcDifference"
	case filterNLMBlurKernel:
		return "filterNLMBlur"
	case filterNLMCalcWeightKernel:
		return "filterNLMCalcWeight"
	case filterNLMUpdateOutputKernel:
		return "filterNLMUpdateOutput"
	case filterNLMNormalizeKernel:
		return "filterNLMNormalize"
	case filterConstructTransformKernel:
		return "filterConstructTransform"
	case filterNLMConstructGramianKernel:
		return "filterNLMConstructGramian"
	case filterFinalizeKernel:
		return "filterFinalize"
	}
	panic(fmt.Sprintf("cuda device: unsupported filter kernel type: %d", uint8(kt)))
}

// deviceKernels holds the loaded kernel modules and their resolved entry
// points.
type deviceKernels struct {
	features device.RequestedFeatures

	render    *driver.Module
	renderFns [numKernels]*driver.Function

	filter    *driver.Module
	filterFns [numFilterKernels]*driver.Function

	// Split path state; nil unless the split kernel was requested.
	split      *driver.Module
	splitFns   [numSplitKernels]*driver.Function
	splitState *driver.Function
}

// loadKernels resolves and loads the kernel modules for a feature set and
// looks up every entry point the device dispatches.
func loadKernels(ctx *driver.Context, compiler *kernelCompiler, props driver.Properties, features device.RequestedFeatures) (*deviceKernels, error) {
	k := &deviceKernels{features: features}

	var err error
	if k.render, err = loadModule(ctx, compiler, roleRender, props, features); err != nil {
		return nil, err
	}
	for kt := kernelType(0); kt < numKernels; kt++ {
		if k.renderFns[kt], err = k.render.Function(kt.String()); err != nil {
			return nil, fmt.Errorf("cuda device: failed to resolve kernel %s: %v", kt, err)
		}
	}

	if k.filter, err = loadModule(ctx, compiler, roleFilter, props, features); err != nil {
		return nil, err
	}
	for kt := filterKernelType(0); kt < numFilterKernels; kt++ {
		if k.filterFns[kt], err = k.filter.Function(kt.String()); err != nil {
			return nil, fmt.Errorf("cuda device: failed to resolve kernel %s: %v", kt, err)
		}
	}

	if features.UseSplitKernel {
		if k.split, err = loadModule(ctx, compiler, roleSplit, props, features); err != nil {
			return nil, err
		}
		for kt := splitKernelType(0); kt < numSplitKernels; kt++ {
			if k.splitFns[kt], err = k.split.Function(kt.String()); err != nil {
				return nil, fmt.Errorf("cuda device: failed to resolve kernel %s: %v", kt, err)
			}
		}
		if k.splitState, err = k.split.Function(stateBufferSizeKernel); err != nil {
			return nil, fmt.Errorf("cuda device: failed to resolve kernel %s: %v", stateBufferSizeKernel, err)
		}
	}

	return k, nil
}

func loadModule(ctx *driver.Context, compiler *kernelCompiler, role string, props driver.Properties, features device.RequestedFeatures) (*driver.Module, error) {
	cubin, err := compiler.cubinPath(role, props.Major, props.Minor, features)
	if err != nil {
		return nil, err
	}

	mod, err := ctx.LoadModule(cubin)
	if err != nil {
		return nil, fmt.Errorf("cuda device: failed to load the %s module from %s: %v", role, cubin, err)
	}
	return mod, nil
}

// unload releases the loaded modules. Failures are logged since unload runs
// on shutdown paths.
func (k *deviceKernels) unload(logger log.Logger) {
	for _, mod := range []*driver.Module{k.render, k.filter, k.split} {
		if mod == nil {
			continue
		}
		if err := mod.Unload(); err != nil {
			logger.Warningf("failed to unload kernel module: %v", err)
		}
	}
}
